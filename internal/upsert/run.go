package upsert

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"bulkupsert/internal/config"
	"bulkupsert/internal/errs"
	"bulkupsert/internal/metrics"
	"bulkupsert/internal/rowsource"
	"bulkupsert/internal/schema"
	"bulkupsert/internal/sqlgen"
	"bulkupsert/internal/storage"

	"github.com/rs/zerolog"
)

// Phases name the pipeline steps in errors, logs and metrics.
const (
	PhaseConnect = "connect"
	PhaseStage   = "stage"
	PhaseLoad    = "load"
	PhaseMerge   = "merge"
	PhaseCleanup = "cleanup"
)

// cleanupTimeout bounds the staging drop, which runs even after cancellation.
const cleanupTimeout = 15 * time.Second

type operation struct {
	name   string
	upsert bool
	match  []string
	update []string
	delete bool
	scope  DeleteScope
}

type state int

const (
	stateIdle state = iota
	stateConnectionOpen
	stateStagingCreated
	stateLoaded
	stateMerged
	stateCleanedUp
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnectionOpen:
		return "connection_open"
	case stateStagingCreated:
		return "staging_created"
	case stateLoaded:
		return "loaded"
	case stateMerged:
		return "merged"
	case stateCleanedUp:
		return "cleaned_up"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// plan is the validated, connection-independent part of an operation.
type plan struct {
	meta      *schema.EntityMetadata
	columns   []*schema.ColumnDescriptor
	match     []*schema.ColumnDescriptor
	update    []*schema.ColumnDescriptor
	reconcile bool
	rowIndex  bool
	dedupe    bool
	direct    bool
}

type runner[T any] struct {
	op    operation
	opts  config.Options
	plan  plan
	log   zerolog.Logger
	label string

	// Rendered before the connection is opened.
	dialect sqlgen.Dialect
	merge   sqlgen.MergePlan
	ddl     string
	stmt    sqlgen.Statement

	sess   storage.Session
	cursor *rowsource.Cursor[T]
	state  state
}

func run[T any](ctx context.Context, conn, tx any, records iter.Seq[*T], op operation, cfg Config) (Result, error) {
	if conn == nil {
		return Result{}, errs.Argument("connection", "")
	}
	if records == nil {
		return Result{}, errs.Argument("records", "")
	}
	cfg = cfg.withDefaults()
	if err := validateOptions(cfg.Options); err != nil {
		return Result{}, err
	}
	p, err := buildPlan[T](op, cfg)
	if err != nil {
		return Result{}, err
	}

	r := &runner[T]{
		op:    op,
		opts:  cfg.Options,
		plan:  p,
		label: p.meta.QualifiedName(),
		log: cfg.Log.With().
			Str("component", "upsert").
			Str("op", op.name).
			Str("type", p.meta.TypeName()).
			Str("table", p.meta.QualifiedName()).
			Logger(),
	}
	if op.scope.unscoped {
		r.log.Warn().Msg("unscoped delete: every target row missing from the batch will be deleted")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Options.Timeout)
	defer cancel()

	var keys []*schema.ColumnDescriptor
	if p.dedupe {
		keys = p.match
	}
	r.cursor = rowsource.New(records, p.columns, rowsource.Options{
		RowIndex:  p.rowIndex,
		Correlate: p.reconcile,
		Keys:      keys,
	})
	defer r.cursor.Close()

	if !cfg.Options.Streaming {
		n, err := r.cursor.Materialize(ctx)
		if err != nil {
			return Result{}, r.fail(ctx, PhaseLoad, err)
		}
		r.log.Debug().Int("records", n).Msg("records buffered")
	}
	if r.cursor.Empty() {
		r.log.Debug().Msg("empty record collection; nothing to do")
		return Result{}, nil
	}
	if err := r.prepare(conn); err != nil {
		return Result{}, err
	}
	return r.execute(ctx, conn, tx)
}

func validateOptions(o config.Options) error {
	var msgs []string
	for _, iss := range o.Validate("") {
		if iss.Severity == config.SeverityError {
			msgs = append(msgs, iss.Message)
		}
	}
	if len(msgs) > 0 {
		return errs.Argument("config", strings.Join(msgs, "; "))
	}
	return nil
}

// buildPlan resolves metadata, match and update columns. It never touches the
// database.
func buildPlan[T any](op operation, cfg Config) (plan, error) {
	meta, err := schema.MetadataOf[T](cfg.Catalog, cfg.Provider)
	if err != nil {
		return plan{}, err
	}
	p := plan{
		meta:      meta,
		reconcile: cfg.Options.ReconcileIdentity && len(meta.Identity()) > 0,
	}

	if op.upsert {
		if p.match, err = resolveMatch(meta, op.match); err != nil {
			return plan{}, err
		}
		if op.update != nil {
			if p.update, err = meta.Resolve(op.update); err != nil {
				return plan{}, err
			}
		}
	}

	p.direct = !op.upsert && !p.reconcile
	if p.direct {
		p.columns = meta.Columns(false)
		return p, nil
	}
	p.columns = meta.Columns(true)
	// Placeholder identities of new records would all collide, so matching on
	// an identity column never dedupes. Key equality is the engine's
	// (collation, trailing blanks), not the cursor's.
	p.dedupe = cfg.Options.KeepLastDuplicate && len(p.match) > 0 &&
		!slices.ContainsFunc(p.match, (*schema.ColumnDescriptor).IsIdentity)
	p.rowIndex = p.reconcile || p.dedupe
	return p, nil
}

func resolveMatch(meta *schema.EntityMetadata, names []string) ([]*schema.ColumnDescriptor, error) {
	if names == nil {
		pk := meta.PrimaryKey()
		switch len(pk) {
		case 0:
			return nil, errs.Schema(meta.TypeName(), "no primary key and no match columns given")
		case 1:
			return pk, nil
		default:
			cols := make([]string, len(pk))
			for i, c := range pk {
				cols[i] = c.Property()
			}
			return nil, errs.Schema(meta.TypeName(), "composite primary key (%s) needs explicit match columns", strings.Join(cols, ", "))
		}
	}
	if len(names) == 0 {
		return nil, errs.Schema(meta.TypeName(), "match columns must not be empty")
	}
	return meta.Resolve(names)
}

// prepare resolves the dialect from the connection handle and renders every
// statement. Unsupported handles, predicates and columns fail here, before a
// connection is taken from the pool.
func (r *runner[T]) prepare(conn any) error {
	d, err := storage.DialectOf(conn)
	if err != nil {
		return err
	}
	r.dialect = d
	if r.plan.direct {
		return nil
	}
	r.merge = sqlgen.MergePlan{
		Meta:       r.plan.meta,
		Staging:    d.StagingName(),
		Columns:    r.plan.columns,
		Match:      r.plan.match,
		Update:     r.plan.update,
		InsertOnly: r.opts.InsertOnly || !r.op.upsert,
		Delete:     r.op.delete,
		Output:     r.plan.reconcile,
		Dedupe:     r.plan.dedupe,
	}
	if r.op.delete {
		r.merge.DeleteScope = r.op.scope.expr
	}
	if r.ddl, err = d.StagingDDL(r.merge.Staging, r.plan.columns, r.plan.rowIndex); err != nil {
		return err
	}
	r.stmt, err = d.Merge(r.merge)
	return err
}

func (r *runner[T]) transition(to state) {
	r.log.Debug().Stringer("from", r.state).Stringer("to", to).Msg("state")
	r.state = to
}

// step runs fn as phase, recording its duration and outcome.
func (r *runner[T]) step(ctx context.Context, phase string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordStep(r.label, phase, err, time.Since(start))
	if err != nil {
		return r.fail(ctx, phase, err)
	}
	return nil
}

// fail wraps err as an ExecutionError. Validation errors pass through.
func (r *runner[T]) fail(ctx context.Context, phase string, err error) error {
	if errs.IsValidation(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w (%w)", err, ctxErr)
	}
	category := storage.ClassifyContext(err)
	if category == "" && r.sess != nil {
		category = r.sess.Classify(err)
	}
	if category == "" {
		category = errs.CategoryEngine
	}
	r.log.Error().Err(err).Str("phase", phase).Str("category", category).Msg("bulk operation failed")
	return &errs.ExecutionError{
		RecordType: r.plan.meta.TypeName(),
		Phase:      phase,
		Category:   category,
		Err:        err,
	}
}

func (r *runner[T]) bulkOptions() storage.BulkOptions {
	return storage.BulkOptions{
		BatchSize:        r.opts.BatchSize,
		CheckConstraints: r.opts.EnforceConstraints,
		FireTriggers:     r.opts.FireTriggers,
		TableLock:        r.opts.TableLock,
		ReadAhead:        r.opts.ReadAhead,
		Log:              r.log,
		Label:            r.label,
	}
}

func (r *runner[T]) execute(ctx context.Context, conn, tx any) (res Result, err error) {
	start := time.Now()
	err = r.step(ctx, PhaseConnect, func() error {
		s, err := storage.Open(ctx, conn, tx)
		r.sess = s
		return err
	})
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if cerr := r.sess.Close(); cerr != nil {
			r.log.Warn().Err(cerr).Msg("close session")
		}
	}()
	r.transition(stateConnectionOpen)
	if r.sess.InTransaction() {
		r.log.Debug().Msg("joining caller transaction")
	}

	if r.plan.direct {
		res, err = r.loadDirect(ctx)
	} else {
		res, err = r.loadAndMerge(ctx)
	}
	if err != nil {
		return Result{}, err
	}

	metrics.RecordRow(r.label, "inserted", res.Inserted)
	metrics.RecordRow(r.label, "updated", res.Updated)
	metrics.RecordRow(r.label, "deleted", res.Deleted)
	r.log.Info().
		Int64("loaded", res.Loaded).
		Int64("inserted", res.Inserted).
		Int64("updated", res.Updated).
		Int64("deleted", res.Deleted).
		Int64("rows_affected", res.RowsAffected).
		Dur("elapsed", time.Since(start)).
		Msg("bulk operation complete")
	return res, nil
}

func (r *runner[T]) loadDirect(ctx context.Context) (Result, error) {
	target := storage.Table{Schema: r.plan.meta.Schema(), Name: r.plan.meta.Table()}
	var n int64
	err := r.step(ctx, PhaseLoad, func() error {
		var err error
		n, err = r.sess.BulkLoad(ctx, target, r.cursor, r.bulkOptions())
		return err
	})
	if err != nil {
		return Result{}, err
	}
	r.transition(stateLoaded)
	r.transition(stateCleanedUp)
	return Result{Loaded: n, Inserted: n, RowsAffected: n}, nil
}

func (r *runner[T]) loadAndMerge(ctx context.Context) (res Result, err error) {
	if err := r.step(ctx, PhaseStage, func() error {
		_, err := r.sess.Exec(ctx, r.ddl)
		return err
	}); err != nil {
		return Result{}, err
	}
	r.transition(stateStagingCreated)
	defer r.dropStaging(ctx, r.merge.Staging)

	err = r.step(ctx, PhaseLoad, func() error {
		var err error
		res.Loaded, err = r.sess.BulkLoad(ctx, storage.Table{Name: r.merge.Staging}, r.cursor, r.bulkOptions())
		return err
	})
	if err != nil {
		return Result{}, err
	}
	r.transition(stateLoaded)

	if dup := r.cursor.Duplicates(); dup > 0 {
		metrics.RecordRow(r.label, "duplicate_keys", dup)
		r.log.Warn().Int64("duplicates", dup).Msg("records share match keys; keeping the last occurrence of each")
	}

	stmt := r.stmt
	err = r.step(ctx, PhaseMerge, func() error {
		if r.plan.reconcile {
			return r.mergeReconcile(ctx, stmt, &res)
		}
		n, err := r.sess.Exec(ctx, stmt.SQL, stmt.Args...)
		res.RowsAffected = n
		return err
	})
	if err != nil {
		return Result{}, err
	}
	r.transition(stateMerged)
	return res, nil
}

// dropStaging runs once on every path after the staging table exists. A
// failure is logged and never replaces the operation's own error.
func (r *runner[T]) dropStaging(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	start := time.Now()
	_, err := r.sess.Exec(ctx, r.dialect.DropStaging(name))
	metrics.RecordStep(r.label, PhaseCleanup, err, time.Since(start))
	if err != nil {
		r.log.Warn().Err(err).Str("staging", name).Msg("drop staging table")
		return
	}
	r.transition(stateCleanedUp)
}
