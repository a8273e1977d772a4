package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	agentsTenant string
	agentsStatus []string
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and manage agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		agents, err := c.listAgents(cmd.Context(), agentsTenant, agentsStatus)
		if err != nil {
			return err
		}
		printAgents(cmd.OutOrStdout(), agents, time.Now())
		return nil
	},
}

var agentsDrainCmd = &cobra.Command{
	Use:   "drain <agent-id>",
	Short: "Stop assigning new jobs to an agent",
	Long: `Drain an agent. Jobs it already holds run to completion and its
heartbeats keep working, but the dispatcher assigns it nothing new.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgentAction(cmd, args[0], "drain")
	},
}

var agentsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <agent-id>",
	Short: "Deactivate an agent and requeue its jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgentAction(cmd, args[0], "deactivate")
	},
}

func runAgentAction(cmd *cobra.Command, agentID, action string) error {
	c, err := newAdminClient()
	if err != nil {
		return err
	}
	a, err := c.agentAction(cmd.Context(), agentID, action)
	if err != nil {
		return fmt.Errorf("%s agent %s: %w", action, agentID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Agent %s is now %s\n", a.ID, agentStatusColor(a.Status).Sprint(a.Status))
	return nil
}

func init() {
	agentsListCmd.Flags().StringVar(&agentsTenant, "tenant", "", "Only agents of this tenant")
	agentsListCmd.Flags().StringSliceVar(&agentsStatus, "status", nil, "Only agents in these statuses")

	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsDrainCmd)
	agentsCmd.AddCommand(agentsDeactivateCmd)
}
