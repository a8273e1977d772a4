package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/fleet/internal/config"
	"github.com/ShayCichocki/fleet/pkg/models"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	sectionStyle = lipgloss.NewStyle().MarginTop(1)
)

func printConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func agentStatusColor(s models.AgentStatus) *color.Color {
	switch s {
	case models.AgentStatusOnline:
		return color.New(color.FgGreen)
	case models.AgentStatusDraining, models.AgentStatusRegistered:
		return color.New(color.FgYellow)
	case models.AgentStatusOffline:
		return color.New(color.FgRed)
	default:
		return color.New(color.Faint)
	}
}

func jobStatusColor(s models.JobStatus) *color.Color {
	switch s {
	case models.JobStatusSucceeded:
		return color.New(color.FgGreen)
	case models.JobStatusLeased, models.JobStatusRunning:
		return color.New(color.FgCyan)
	case models.JobStatusFailed:
		return color.New(color.FgRed)
	case models.JobStatusCancelled:
		return color.New(color.Faint)
	default:
		return color.New(color.FgYellow)
	}
}

// padColored pads s to width before coloring so escape codes do not skew columns.
func padColored(c *color.Color, s string, width int) string {
	return c.Sprint(fmt.Sprintf("%-*s", width, s))
}

func printAgents(w io.Writer, agents []models.Agent, now time.Time) {
	if len(agents) == 0 {
		fmt.Fprintln(w, "No agents.")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-36s  %-12s  %-20s  %-11s  %-7s  %s",
		"ID", "TENANT", "NAME", "STATUS", "LEASES", "LAST HEARTBEAT")))
	for _, a := range agents {
		fmt.Fprintf(w, "%-36s  %-12s  %-20s  %s  %-7s  %s\n",
			a.ID, truncate(a.TenantID, 12), truncate(a.Name, 20),
			padColored(agentStatusColor(a.Status), string(a.Status), 11),
			fmt.Sprintf("%d/%d", a.CurrentLeaseCount, a.MaxConcurrentJobs),
			formatAge(now.Sub(a.LastHeartbeatAt)))
	}
}

func printJobs(w io.Writer, jobs []models.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-36s  %-12s  %-24s  %-9s  %-4s  %-8s  %s",
		"ID", "TENANT", "PACKAGE", "STATUS", "PRI", "ATTEMPTS", "AGENT")))
	for _, j := range jobs {
		fmt.Fprintf(w, "%-36s  %-12s  %-24s  %s  %-4d  %-8s  %s\n",
			j.ID, truncate(j.TenantID, 12), truncate(j.PackageRef, 24),
			padColored(jobStatusColor(j.Status), string(j.Status), 9),
			j.Priority,
			fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts),
			j.AgentID)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// formatAge renders a duration the way status output expects: 5s, 3m, 2h, 4d.
func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func joinCounts(counts map[models.AgentStatus]int) string {
	order := []models.AgentStatus{
		models.AgentStatusOnline, models.AgentStatusDraining, models.AgentStatusRegistered,
		models.AgentStatusOffline, models.AgentStatusDeactivated,
	}
	var parts []string
	for _, s := range order {
		if n := counts[s]; n > 0 {
			parts = append(parts, agentStatusColor(s).Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
