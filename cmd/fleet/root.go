package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fleet/internal/config"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Multi-tenant agent control plane",
	Long: `Fleet coordinates customer-hosted execution agents.

Agents register, heartbeat and poll for work. Operators enqueue jobs per
tenant; the dispatcher leases each job to one eligible agent, tracks its
progress and retries it when the agent goes silent or the lease expires.

Run 'fleet serve' to start the control plane. The agents and jobs commands
talk to a running server with the configured admin token.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./fleet.yaml or ~/.config/fleet/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Control plane URL (default: derived from server.addr)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// baseURL turns a listen address into a URL a client on the same host can dial.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func newAdminClient() (*adminClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	base := serverURL
	if base == "" {
		base = cfg.Server.Addr
	}
	return newClient(baseURL(base), cfg.Server.AdminToken), nil
}
