package commands

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the `groupguard health` command. It queries the
// running bot's /health endpoint and is meant for Docker HEALTHCHECK.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			url := healthURL(cfg.Server.Address, os.Getenv("PORT"))
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: HTTP %d", resp.StatusCode)
			}
			return nil
		},
	}
}

// healthURL turns the listen address into a loopback URL.
func healthURL(addr, port string) string {
	if addr == "" {
		if port == "" {
			port = "3000"
		}
		addr = ":" + port
	}
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/health"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, p) + "/health"
}
