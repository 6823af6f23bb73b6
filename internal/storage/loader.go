// This file implements the batched loader shared by the backends. It drains a
// Rows source into fixed-size batches and invokes a backend CopyFn per batch,
// optionally pulling rows on a separate goroutine (read-ahead).
//
// Logging: on every successful flush, a concise progress line is emitted with
// running totals and instantaneous rows/sec since the previous flush.
package storage

import (
	"context"
	"fmt"
	"time"

	"bulkupsert/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// CopyFn abstracts a backend's bulk insert capability. Implementations insert
// the provided rows (aligned to 'columns' order) and return the number of rows
// written. The function must cancel promptly when ctx is done.
type CopyFn func(ctx context.Context, columns []string, rows [][]any) (int64, error)

// Columns returns the column names of src in ordinal order.
func Columns(src Rows) []string {
	out := make([]string, src.FieldCount())
	for i := range out {
		out[i] = src.Name(i)
	}
	return out
}

// RowValues copies the current row of src, asking IsNull before Value for
// every cell.
func RowValues(src Rows) []any {
	row := make([]any, src.FieldCount())
	for i := range row {
		if src.IsNull(i) {
			continue
		}
		row[i] = src.Value(i)
	}
	return row
}

// Progress logs and records per-batch load statistics for one table.
type Progress struct {
	log   zerolog.Logger
	table string

	start     time.Time
	last      time.Time
	batches   int64
	total     int64
	lastTotal int64
}

// NewProgress starts the clock for a load into table.
func NewProgress(log zerolog.Logger, table string) *Progress {
	now := time.Now()
	return &Progress{log: log, table: table, start: now, last: now}
}

// Batch records a flushed batch of n rows.
func (p *Progress) Batch(n int64) {
	p.batches++
	p.total += n
	now := time.Now()
	sinceLast := now.Sub(p.last)
	rps := float64(0)
	if sinceLast > 0 {
		rps = float64(p.total-p.lastTotal) / sinceLast.Seconds()
	}
	p.log.Info().
		Str("table", p.table).
		Int64("batch", p.batches).
		Msgf("batch #%d: rps=%.0f inserted=%d total_inserted=%d elapsed=%s since_last=%s",
			p.batches,
			rps,
			n,
			p.total,
			now.Sub(p.start).Truncate(time.Millisecond),
			sinceLast.Truncate(time.Millisecond),
		)
	metrics.RecordBatches(p.table, 1)
	metrics.RecordRow(p.table, "loaded", n)
	p.last = now
	p.lastTotal = p.total
}

// Total is the number of rows recorded so far.
func (p *Progress) Total() int64 { return p.total }

// Batches is the number of batches recorded so far.
func (p *Progress) Batches() int64 { return p.batches }

type batcher struct {
	ctx      context.Context
	columns  []string
	copyFn   CopyFn
	progress *Progress
	batch    [][]any
	size     int
	total    int64
}

func (b *batcher) add(row []any) error {
	b.batch = append(b.batch, row)
	if len(b.batch) >= b.size {
		return b.flush()
	}
	return nil
}

func (b *batcher) flush() error {
	if len(b.batch) == 0 {
		return nil
	}
	n, err := b.copyFn(b.ctx, b.columns, b.batch)
	b.total += n
	// Drop row references but keep capacity.
	clear(b.batch)
	b.batch = b.batch[:0]
	if err != nil {
		b.progress.log.Error().Err(err).
			Int64("after", n).
			Int64("total", b.total).
			Msg("loader: copy failed")
		return err
	}
	b.progress.Batch(n)
	return nil
}

func newBatcher(ctx context.Context, columns []string, batchSize int, copyFn CopyFn, p *Progress) (*batcher, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batchSize must be > 0")
	}
	if copyFn == nil {
		return nil, fmt.Errorf("copyFn must not be nil")
	}
	if p == nil {
		p = NewProgress(zerolog.Nop(), "")
	}
	return &batcher{
		ctx:      ctx,
		columns:  columns,
		copyFn:   copyFn,
		progress: p,
		batch:    make([][]any, 0, batchSize),
		size:     batchSize,
	}, nil
}

// LoadBatches drains rows from 'in', groups them into batches of size
// 'batchSize', and calls 'copyFn' for each non-empty batch. It returns the
// total number of rows reported by copyFn and the first error encountered.
//
// Cancellation: returns (total, ctx.Err()) when canceled.
func LoadBatches(
	ctx context.Context,
	columns []string,
	in <-chan []any,
	batchSize int,
	copyFn CopyFn,
	p *Progress,
) (int64, error) {
	b, err := newBatcher(ctx, columns, batchSize, copyFn, p)
	if err != nil {
		return 0, err
	}
	for {
		select {
		case <-ctx.Done():
			return b.total, ctx.Err()

		case row, ok := <-in:
			if !ok {
				// Channel closed: flush remaining rows.
				if err := b.flush(); err != nil {
					return b.total, err
				}
				b.progress.log.Debug().
					Int64("total_inserted", b.total).
					Msg("loader: input closed")
				return b.total, nil
			}
			if err := b.add(row); err != nil {
				return b.total, err
			}
		}
	}
}

// Drain copies every row of src onto out in order and closes out.
func Drain(ctx context.Context, src Rows, out chan<- []any) error {
	defer close(out)
	for src.Advance(ctx) {
		select {
		case out <- RowValues(src):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return src.Err()
}

// Load drains src through copyFn in batches. With readAhead > 0 the source is
// pulled on its own goroutine, at most readAhead rows ahead of the writer.
func Load(ctx context.Context, src Rows, batchSize, readAhead int, copyFn CopyFn, p *Progress) (int64, error) {
	columns := Columns(src)
	if readAhead <= 0 {
		b, err := newBatcher(ctx, columns, batchSize, copyFn, p)
		if err != nil {
			return 0, err
		}
		for src.Advance(ctx) {
			if err := b.add(RowValues(src)); err != nil {
				return b.total, err
			}
		}
		if err := src.Err(); err != nil {
			return b.total, err
		}
		return b.total, b.flush()
	}

	g, gctx := errgroup.WithContext(ctx)
	in := make(chan []any, readAhead)
	var total int64
	g.Go(func() error { return Drain(gctx, src, in) })
	g.Go(func() error {
		n, err := LoadBatches(gctx, columns, in, batchSize, copyFn, p)
		total = n
		return err
	})
	err := g.Wait()
	return total, err
}

// Tracked wraps src so that every batchSize rows pulled, plus the final
// partial batch, are reported to p. Backends whose transport consumes the
// source directly use it for progress.
func Tracked(src Rows, batchSize int, p *Progress) Rows {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &tracked{Rows: src, size: int64(batchSize), p: p}
}

type tracked struct {
	Rows
	p       *Progress
	size    int64
	pending int64
}

func (t *tracked) Advance(ctx context.Context) bool {
	ok := t.Rows.Advance(ctx)
	switch {
	case ok:
		t.pending++
		if t.pending == t.size {
			t.p.Batch(t.pending)
			t.pending = 0
		}
	case t.pending > 0 && t.Rows.Err() == nil:
		t.p.Batch(t.pending)
		t.pending = 0
	}
	return ok
}
