package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/fleet/internal/queue"
)

var (
	jobFilePath  string
	jobsTenant   string
	jobsStatus   []string
	jobsLimit    int
	cancelReason string
)

// jobFile is the YAML form of a job submission.
//
//	tenant_id: acme
//	package_ref: reports/nightly@3
//	priority: 5
//	timeout: 10m
//	required_capabilities: [linux, python3]
//	parameters:
//	  region: eu-west-1
type jobFile struct {
	TenantID             string         `yaml:"tenant_id"`
	PackageRef           string         `yaml:"package_ref"`
	Parameters           map[string]any `yaml:"parameters"`
	RequiredCapabilities []string       `yaml:"required_capabilities"`
	Priority             int            `yaml:"priority"`
	MaxAttempts          int            `yaml:"max_attempts"`
	Timeout              time.Duration  `yaml:"timeout"`
	NotBefore            *time.Time     `yaml:"not_before"`
	IdempotencyKey       string         `yaml:"idempotency_key"`
}

// loadJobFile parses a job submission from YAML.
func loadJobFile(data []byte) (queue.EnqueueRequest, error) {
	var f jobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return queue.EnqueueRequest{}, fmt.Errorf("parse job file: %w", err)
	}
	if f.Timeout < 0 || (f.Timeout > 0 && f.Timeout < time.Second) {
		return queue.EnqueueRequest{}, fmt.Errorf("timeout %s must be at least 1s", f.Timeout)
	}

	req := queue.EnqueueRequest{
		TenantID:             f.TenantID,
		PackageRef:           f.PackageRef,
		RequiredCapabilities: f.RequiredCapabilities,
		Priority:             f.Priority,
		MaxAttempts:          f.MaxAttempts,
		TimeoutSeconds:       int(f.Timeout / time.Second),
		NotBefore:            f.NotBefore,
		IdempotencyKey:       f.IdempotencyKey,
	}
	if len(f.Parameters) > 0 {
		params, err := json.Marshal(f.Parameters)
		if err != nil {
			return queue.EnqueueRequest{}, fmt.Errorf("encode parameters: %w", err)
		}
		req.Parameters = params
	}
	return req, nil
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and inspect jobs",
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit -f job.yaml",
	Short: "Enqueue a job described by a YAML file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jobFilePath == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(jobFilePath)
		if err != nil {
			return fmt.Errorf("read job file: %w", err)
		}
		req, err := loadJobFile(data)
		if err != nil {
			return err
		}

		c, err := newAdminClient()
		if err != nil {
			return err
		}
		j, err := c.submitJob(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("submit job: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s (tenant %s, priority %d)\n",
			j.ID, jobStatusColor(j.Status).Sprint(j.Status), j.TenantID, j.Priority)
		return nil
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		jobs, err := c.listJobs(cmd.Context(), jobsTenant, jobsStatus, jobsLimit)
		if err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), jobs)
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or in-flight job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		j, err := c.cancelJob(cmd.Context(), args[0], cancelReason)
		if err != nil {
			return fmt.Errorf("cancel job %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", j.ID, jobStatusColor(j.Status).Sprint(j.Status))
		return nil
	},
}

func init() {
	jobsSubmitCmd.Flags().StringVarP(&jobFilePath, "file", "f", "", "Job description (YAML)")

	jobsListCmd.Flags().StringVar(&jobsTenant, "tenant", "", "Only jobs of this tenant")
	jobsListCmd.Flags().StringSliceVar(&jobsStatus, "status", nil, "Only jobs in these statuses")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum number of jobs to show")

	jobsCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Reason recorded with the cancellation")

	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}
