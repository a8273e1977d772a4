package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet state",
	Long: `Display a summary read straight from the control plane database.

Shows:
  - Agents per tenant by status
  - Pending jobs per tenant
  - Jobs currently leased or running`,
	RunE: runStatus,
}

// fleetStatus is the data rendered by the status command.
type fleetStatus struct {
	DBPath     string
	Agents     map[string]map[models.AgentStatus]int
	Depth      map[string]int
	ActiveJobs []models.Job
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "No database at %s. Run 'fleet serve' to start.\n", dbPath)
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Ensure schema is up to date
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	st, err := collectStatus(cmd.Context(), db)
	if err != nil {
		return err
	}
	st.DBPath = dbPath
	renderStatus(cmd.OutOrStdout(), st, time.Now())
	return nil
}

func collectStatus(ctx context.Context, db *state.DB) (*fleetStatus, error) {
	agents, err := db.CountAgentsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := db.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	active, err := db.ListJobs(ctx, state.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusLeased, models.JobStatusRunning},
	})
	if err != nil {
		return nil, err
	}
	return &fleetStatus{Agents: agents, Depth: depth, ActiveJobs: active}, nil
}

func renderStatus(w io.Writer, st *fleetStatus, now time.Time) {
	fmt.Fprintln(w, titleStyle.Render("Fleet"))
	if st.DBPath != "" {
		fmt.Fprintf(w, "  Database: %s\n", st.DBPath)
	}

	fmt.Fprintln(w, sectionStyle.Render(headerStyle.Render("Agents")))
	if len(st.Agents) == 0 {
		fmt.Fprintln(w, "  No agents registered.")
	}
	for _, tenant := range sortedKeys(st.Agents) {
		fmt.Fprintf(w, "  %-16s %s\n", tenant, joinCounts(st.Agents[tenant]))
	}

	fmt.Fprintln(w, sectionStyle.Render(headerStyle.Render("Queue")))
	total := 0
	for _, tenant := range sortedKeys(st.Depth) {
		n := st.Depth[tenant]
		total += n
		fmt.Fprintf(w, "  %-16s %d pending\n", tenant, n)
	}
	if total == 0 {
		fmt.Fprintln(w, "  Queue is empty.")
	}

	fmt.Fprintln(w, sectionStyle.Render(headerStyle.Render(fmt.Sprintf("Active jobs (%d)", len(st.ActiveJobs)))))
	for _, j := range st.ActiveJobs {
		fmt.Fprintf(w, "  %s  %-16s %s  on %s  (%s)\n",
			j.ID, truncate(j.PackageRef, 16),
			padColored(jobStatusColor(j.Status), string(j.Status), 7),
			j.AgentID, formatAge(now.Sub(j.UpdatedAt)))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
