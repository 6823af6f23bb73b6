package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"syscall"

	"bulkupsert/internal/config"
	"bulkupsert/internal/datasource"
	"bulkupsert/internal/logging"
	"bulkupsert/internal/parser"
	"bulkupsert/internal/parser/json"
	"bulkupsert/internal/schema"
	"bulkupsert/internal/schema/introspect"
	"bulkupsert/internal/storage"
	"bulkupsert/internal/transformer"
	"bulkupsert/internal/upsert"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type runFlags struct {
	job            string
	out            string
	metricsBackend string
	pushgatewayURL string
	logLevel       string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the job's input into its target table",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := loadJob(cmd, f.job)
			if err != nil {
				return err
			}
			f.apply(&job)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJob(ctx, job, f.out)
		},
	}
	cmd.Flags().StringVar(&f.job, "job", "", "job file (YAML or JSON)")
	cmd.Flags().StringVar(&f.out, "out", "", "write the loaded records, with generated identities, as JSON Lines (overrides output.path; - is stdout)")
	cmd.Flags().StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend: none, pushgateway or datadog (overrides the job)")
	cmd.Flags().StringVar(&f.pushgatewayURL, "pushgateway-url", "", "Prometheus Pushgateway URL (overrides the job)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (overrides the job)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// apply overrides job settings with the flags that were set.
func (f runFlags) apply(job *config.Job) {
	if f.metricsBackend != "" {
		job.Metrics.Backend = f.metricsBackend
	}
	if f.pushgatewayURL != "" {
		job.Metrics.PushgatewayURL = f.pushgatewayURL
	}
	if f.logLevel != "" {
		job.Log.Level = f.logLevel
	}
}

func runJob(ctx context.Context, job config.Job, outPath string) error {
	log := logging.New(logging.Config{Level: job.Log.Level, Pretty: job.Log.Pretty, Output: os.Stderr}).
		With().Str("job", job.Name).Logger()
	if outPath == "" {
		outPath = job.Output.Path
	}

	flush, err := setupMetrics(job, log)
	if err != nil {
		return err
	}
	defer flush()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	in, err := datasource.Open(ctx, job.Input.Path, datasource.Options{HTTP: job.Input.HTTP})
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	popt := parser.Detect(datasource.Base(job.Input.Path), parser.Options{
		Format:    job.Input.Format,
		HeaderMap: job.Input.HeaderMap,
		CSV:       job.Input.CSV,
	})
	if popt.CSV.NoHeader {
		popt.CSV.Columns = columnNames(job)
	}
	rows, parseErr, err := parser.Records(in, popt)
	if err != nil {
		return err
	}
	log.Debug().Str("input", job.Input.Path).Str("format", popt.Format).Msg("input opened")

	conn, closeConn, err := storage.Connect(ctx, job.Storage.Kind, job.Storage.DSN)
	if err != nil {
		return fmt.Errorf("connect %s: %w", job.Storage.Kind, err)
	}
	defer closeConn()

	provider, err := jobProvider(ctx, job, conn, log)
	if err != nil {
		return err
	}

	var kept []*schema.Row
	coerce := transformer.Compile(job.Fields(), job.Input.Coerce)
	records := coerce.Seq(source(rows, parseErr, cancel, outPath != "", &kept), func(err error) { cancel(err) })

	cfg := upsert.Config{
		Options:  job.Options,
		Provider: provider,
		Catalog:  schema.NewCatalog(),
		Log:      log,
	}
	res, err := execute(ctx, job, conn, records, cfg)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("read %s: %w", job.Input.Path, cause)
	}
	if err != nil {
		return err
	}

	log.Info().
		Int64("loaded", res.Loaded).
		Int64("inserted", res.Inserted).
		Int64("updated", res.Updated).
		Int64("deleted", res.Deleted).
		Int64("rows_affected", res.RowsAffected).
		Msg("job complete")

	if outPath != "" {
		return writeOut(outPath, job, kept)
	}
	return nil
}

// source yields the decoded rows, optionally keeping them for the output
// file. A decode error cancels ctx with the error as cause so the running
// load aborts.
func source(rows iter.Seq[*schema.Row], parseErr func() error, cancel context.CancelCauseFunc, keep bool, kept *[]*schema.Row) iter.Seq[*schema.Row] {
	return func(yield func(*schema.Row) bool) {
		for r := range rows {
			if keep {
				*kept = append(*kept, r)
			}
			if !yield(r) {
				return
			}
		}
		if err := parseErr(); err != nil {
			cancel(err)
		}
	}
}

func execute(ctx context.Context, job config.Job, conn any, records iter.Seq[*schema.Row], cfg upsert.Config) (upsert.Result, error) {
	switch {
	case job.Mode == "insert":
		return upsert.BulkInsert(ctx, conn, nil, records, cfg)
	case job.Delete != nil:
		scope, err := deleteScope(job.Delete)
		if err != nil {
			return upsert.Result{}, err
		}
		return upsert.BulkUpsertWithDeleteScope(ctx, conn, nil, records, job.Match, job.Update, scope, cfg)
	default:
		return upsert.BulkUpsert(ctx, conn, nil, records, job.Match, job.Update, cfg)
	}
}

func deleteScope(d *config.Delete) (upsert.DeleteScope, error) {
	if d.Unscoped {
		return upsert.Unscoped(), nil
	}
	e, err := d.Expr()
	if err != nil {
		return upsert.DeleteScope{}, err
	}
	return upsert.ScopedBy(e), nil
}

// jobProvider returns the job's column model, refined from the live catalog
// when storage.introspect is set.
func jobProvider(ctx context.Context, job config.Job, conn any, log zerolog.Logger) (schema.Provider, error) {
	base := job.Provider()
	if !job.Storage.Introspect {
		return base, nil
	}

	var (
		q      introspect.Querier
		engine introspect.Engine
	)
	switch c := conn.(type) {
	case *sql.DB:
		q, engine = c, introspect.SQLServer
	case *pgxpool.Pool:
		db := stdlib.OpenDBFromPool(c)
		defer db.Close()
		q, engine = db, introspect.Postgres
	default:
		return nil, fmt.Errorf("introspect: unsupported connection %T", conn)
	}

	table := job.Storage.Table
	if job.Storage.Schema != "" {
		table = job.Storage.Schema + "." + table
	}
	snap, err := introspect.Load(ctx, q, engine, table)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("table", table).Str("engine", string(engine)).Msg("catalog introspected")
	return snap.Wrap(base), nil
}

func writeOut(path string, job config.Job, rows []*schema.Row) error {
	if path == "-" {
		return encodeRows(os.Stdout, job, rows)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := encodeRows(f, job, rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func encodeRows(w io.Writer, job config.Job, rows []*schema.Row) error {
	enc := json.NewEncoder(w, columnNames(job))
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return nil
}

func columnNames(job config.Job) []string {
	cols := make([]string, 0, len(job.Columns))
	for _, c := range job.Columns {
		cols = append(cols, c.Name)
	}
	return cols
}
