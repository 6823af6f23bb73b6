// Command bulkupsert loads JSON Lines records into a SQL Server or PostgreSQL
// table and reconciles them against existing rows with a single MERGE.
//
//	bulkupsert validate --job orders.yaml
//	bulkupsert ddl --job orders.yaml
//	bulkupsert run --job orders.yaml --out reconciled.jsonl
package main

import (
	"fmt"
	"os"

	"bulkupsert/internal/config"

	"github.com/spf13/cobra"

	// register all backends with the storage registry.
	_ "bulkupsert/internal/storage/all"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bulkupsert",
		Short:         "Bulk insert and upsert JSON Lines records into a database table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd(), newDDLCmd())
	return root
}

// loadJob reads the job file, fills unset settings from the environment and
// prints every validation issue. It fails when any issue is an error.
func loadJob(cmd *cobra.Command, path string) (config.Job, error) {
	job, err := config.Load(path)
	if err != nil {
		return config.Job{}, err
	}
	job.ApplyEnv(os.Getenv)

	issues := config.ValidateJob(job)
	for _, iss := range issues {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return config.Job{}, fmt.Errorf("job %s is invalid", path)
	}
	return job, nil
}

func newValidateCmd() *cobra.Command {
	var jobPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a job file without touching the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadJob(cmd, jobPath); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job %s is valid\n", jobPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobPath, "job", "", "job file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
