package main

import (
	"fmt"

	"bulkupsert/internal/config"
	"bulkupsert/internal/schema"
	"bulkupsert/internal/sqlgen"

	"github.com/spf13/cobra"
)

func newDDLCmd() *cobra.Command {
	var jobPath string
	cmd := &cobra.Command{
		Use:   "ddl",
		Short: "Print CREATE TABLE for the job's target table",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := loadJob(cmd, jobPath)
			if err != nil {
				return err
			}
			stmt, err := createTable(job)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), stmt)
			return err
		},
	}
	cmd.Flags().StringVar(&jobPath, "job", "", "job file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func dialectFor(kind string) (sqlgen.Dialect, error) {
	switch kind {
	case "mssql":
		return sqlgen.SQLServer{}, nil
	case "postgres":
		return sqlgen.Postgres{}, nil
	}
	return nil, fmt.Errorf("no SQL dialect for storage kind %q", kind)
}

func createTable(job config.Job) (string, error) {
	d, err := dialectFor(job.Storage.Kind)
	if err != nil {
		return "", err
	}
	meta, err := schema.MetadataOf[schema.Row](schema.NewCatalog(), job.Provider())
	if err != nil {
		return "", err
	}
	return sqlgen.CreateTable(d, meta)
}
