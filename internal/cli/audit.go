package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	threatsLimit int
	queriesLimit int
)

func init() {
	rootCmd.AddCommand(threatsCmd)
	rootCmd.AddCommand(queriesCmd)
	rootCmd.AddCommand(healthCmd)
	threatsCmd.Flags().IntVarP(&threatsLimit, "limit", "n", 50, "Number of entries to show")
	queriesCmd.Flags().IntVarP(&queriesLimit, "limit", "n", 50, "Number of entries to show")
}

var threatsCmd = &cobra.Command{
	Use:   "threats",
	Short: "Show the threat log, newest first",
	Args:  cobra.NoArgs,
	RunE:  runThreats,
}

var queriesCmd = &cobra.Command{
	Use:     "queries",
	Aliases: []string{"history"},
	Short:   "Show the query log, newest first",
	Args:    cobra.NoArgs,
	RunE:    runQueries,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show gateway health",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func runThreats(cmd *cobra.Command, args []string) error {
	threats, err := newClient().RecentThreats(cmd.Context(), threatsLimit)
	if err != nil {
		return err
	}
	if ok, err := printJSON(cmd.OutOrStdout(), threats); ok {
		return err
	}

	if len(threats) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No threats recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tUSER\tTIER\tSCORE\tATTACK\tLEDGER")
	for _, t := range threats {
		ref := t.LedgerReference
		if ref == "" {
			ref = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\t%s\n", stamp(t.Timestamp), t.UserID, t.Tier, t.Score, t.AttackType, ref)
	}
	return tw.Flush()
}

func runQueries(cmd *cobra.Command, args []string) error {
	entries, err := newClient().RecentQueries(cmd.Context(), queriesLimit)
	if err != nil {
		return err
	}
	if ok, err := printJSON(cmd.OutOrStdout(), entries); ok {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No queries recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tUSER\tSERVED\tSCORE\tPROMPT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f->%.3f\t%s\n",
			stamp(e.Timestamp), e.UserID, e.ResponseType, e.ScoreBefore, e.ScoreAfter, clip(e.Prompt, 60))
	}
	return tw.Flush()
}

func runHealth(cmd *cobra.Command, args []string) error {
	status, err := newClient().Health(cmd.Context())
	if err != nil {
		return err
	}
	if ok, err := printJSON(cmd.OutOrStdout(), status); ok {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%v (%v %v)\n", status["status"], status["service"], status["version"])
	if checks, ok := status["checks"].([]any); ok {
		for _, c := range checks {
			m, _ := c.(map[string]any)
			detail, _ := m["detail"].(string)
			fmt.Fprintf(cmd.OutOrStdout(), "  %-10v healthy=%v %s\n", m["name"], m["healthy"], detail)
		}
	}
	return nil
}
