// Package cli implements sentinelctl, the operator command line for a
// running gateway.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/sentinelgate/internal/apiclient"
	"github.com/mbd888/sentinelgate/internal/retry"
)

var (
	apiURL     string
	adminToken string
	timeout    time.Duration
	outFormat  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("SENTINEL_API_URL", apiclient.DefaultBaseURL), "Gateway base URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("SENTINEL_ADMIN_TOKEN"), "Admin token for protected endpoints")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().StringVarP(&outFormat, "format", "f", "text", "Output format (text|json)")
}

var rootCmd = &cobra.Command{
	Use:           "sentinelctl",
	Short:         "Operate a sentinelgate admission gateway",
	Long:          "Inspect users and audit logs, record human verifications and run attack simulations against a sentinelgate gateway.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if outFormat != "text" && outFormat != "json" {
			return fmt.Errorf("--format must be text or json (got %q)", outFormat)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient() *apiclient.Client {
	return apiclient.New(apiclient.Config{
		BaseURL: apiURL,
		Token:   adminToken,
		Timeout: timeout,
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
	})
}

// printJSON writes v indented when --format=json and reports whether it did.
func printJSON(w io.Writer, v any) (bool, error) {
	if outFormat != "json" {
		return false, nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
