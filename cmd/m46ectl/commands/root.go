// Package commands implements the m46ectl CLI commands.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// client talks to the admin API over the Unix domain socket,
	// initialized in PersistentPreRunE.
	client *http.Client

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// socketPath is the m46ed admin socket path.
	socketPath string
)

// rootCmd is the top-level cobra command for m46ectl.
var rootCmd = &cobra.Command{
	Use:   "m46ectl",
	Short: "CLI client for the m46ed tunnel daemon",
	Long:  "m46ectl communicates with the m46ed daemon over its admin socket to show route and PMTU state.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 5 * time.Second,
		}
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/m46ed/admin.sock",
		"m46ed admin socket path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// getJSON issues a GET against the admin API over the Unix socket and
// decodes the JSON response into v.
func getJSON(path string, v any) error {
	resp, err := client.Get("http://admin" + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: status %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
