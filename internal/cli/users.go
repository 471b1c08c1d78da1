package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mbd888/sentinelgate/internal/admission"
	"github.com/mbd888/sentinelgate/internal/tier"
	"github.com/mbd888/sentinelgate/internal/tuning"
)

var usersLimit int

var defaultClassifier = tier.NewClassifier(tuning.Default())

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersShowCmd)
	usersListCmd.Flags().IntVarP(&usersLimit, "limit", "n", 50, "Number of users to show")

	rootCmd.AddCommand(verifyCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect per-user admission state",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently seen users, newest first",
	Args:  cobra.NoArgs,
	RunE:  runUsersList,
}

var usersShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show one user's score and recent prompts",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersShow,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <user-id>",
	Short: "Record a completed human verification",
	Long:  "Marks the user as human-verified and lowers their suspicion score to the configured floor.",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func runUsersList(cmd *cobra.Command, args []string) error {
	users, err := newClient().ListUsers(cmd.Context(), usersLimit)
	if err != nil {
		return err
	}
	if ok, err := printJSON(cmd.OutOrStdout(), users); ok {
		return err
	}

	if len(users) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No users.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tSCORE\tTIER\tVERIFIED\tLAST SEEN")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%.3f\t%s\t%t\t%s\n", u.UserID, u.SuspicionScore, tierLabel(u), u.IsHumanVerified, stamp(u.LastSeen))
	}
	return tw.Flush()
}

func runUsersShow(cmd *cobra.Command, args []string) error {
	user, err := newClient().GetUser(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if ok, err := printJSON(cmd.OutOrStdout(), user); ok {
		return err
	}
	printUser(cmd, user)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	user, err := newClient().VerifyUser(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if ok, err := printJSON(cmd.OutOrStdout(), user); ok {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Verified %q, score now %.3f\n", user.UserID, user.SuspicionScore)
	return nil
}

func printUser(cmd *cobra.Command, u *admission.UserState) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User:       %s\n", u.UserID)
	fmt.Fprintf(out, "Score:      %.3f (%s)\n", u.SuspicionScore, tierLabel(u))
	fmt.Fprintf(out, "Rate:       %.3f\n", u.RateEstimate)
	fmt.Fprintf(out, "Verified:   %t\n", u.IsHumanVerified)
	fmt.Fprintf(out, "Last seen:  %s\n", stamp(u.LastSeen))
	if len(u.RecentPrompts) == 0 {
		return
	}
	fmt.Fprintln(out, "\nRecent prompts:")
	for i := len(u.RecentPrompts) - 1; i >= 0; i-- {
		p := u.RecentPrompts[i]
		fmt.Fprintf(out, "  %s  %s\n", stamp(p.At), clip(p.Text, 80))
	}
}

// tierLabel is the tier the user's current score falls in under the
// default thresholds; the server may be running different ones.
func tierLabel(u *admission.UserState) string {
	return string(defaultClassifier.Classify(u.SuspicionScore))
}
