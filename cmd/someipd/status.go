package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/someipd/someipd/internal/config"
)

// newCmdStatus returns the status subcommand, a thin client that
// hits a running daemon's admin /ready endpoint rather than talking
// SOME/IP itself, the same separation linkerd2's `linkerd check`
// draws between the CLI and the control plane it inspects.
func newCmdStatus() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a running someipd daemon is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.Default().MetricsAddress, "admin address of the daemon to query")
	return cmd
}

func runStatus(addr string) error {
	client := http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/ready", normalizeAddr(addr)))
	if err != nil {
		return fmt.Errorf("someipd not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("someipd reported not ready: %s", body)
	}
	fmt.Println("someipd is ready")
	return nil
}

// normalizeAddr turns a bare ":9980"-style listen address into
// something net/http's client will dial against localhost.
func normalizeAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
