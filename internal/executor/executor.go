// Package executor runs analysis queries with retries, admission
// control, session execution limits, and bounded result collection.
//
// Every Execute call holds one admission slot for its entire retry
// sequence, applies a fixed throttle delay before each attempt to avoid
// bursts, and backs off linearly between attempts. Transient failures
// are retried up to the configured attempt budget; fatal ones surface
// immediately.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"auditscope/internal/dbpool"
)

// Request is one query submitted to the executor.
type Request struct {
	SQL    string
	Args   []any
	Policy FetchPolicy
}

// Result is a materialized result set. Rows is nil for Streaming
// requests; the caller iterates Stream instead.
type Result struct {
	Columns []string
	Rows    [][]any

	// Truncated is set when a bounded materialization stopped at the
	// row cap or under memory pressure before the result was exhausted.
	Truncated bool

	Stream *Stream
}

// Stream owns a live result cursor and its pooled connection. The
// caller must Close it on every path.
type Stream struct {
	rows    pgx.Rows
	release func()
	closed  bool
}

// Rows exposes the live cursor.
func (s *Stream) Rows() pgx.Rows { return s.rows }

// Close closes the cursor and returns the connection to the pool.
// Safe to call more than once.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.rows.Close()
	s.release()
}

// ConnSource provides scoped connections. *dbpool.Pool satisfies it.
type ConnSource interface {
	Acquire(ctx context.Context) (dbpool.Conn, error)
	Release(conn dbpool.Conn)
}

// AdmissionGate limits in-flight queries. *throttle.Gate satisfies it.
type AdmissionGate interface {
	Acquire(ctx context.Context) error
	Release()
}

// PressureMonitor is the advisory memory signal. *resmon.Monitor
// satisfies it.
type PressureMonitor interface {
	WithinLimit() bool
	RelieveIfNeeded() bool
}

// Options tune the executor. Zero values get conservative defaults.
type Options struct {
	// RetryCount is total attempts per query, including the first.
	RetryCount int

	// RetryDelay is the base backoff; attempt n sleeps n×RetryDelay
	// before the next try (linear backoff).
	RetryDelay time.Duration

	// ThrottleDelay is a fixed pause before every attempt.
	ThrottleDelay time.Duration

	// StatementTimeout and LockTimeout become session execution limits
	// on the borrowed connection before each attempt.
	StatementTimeout time.Duration
	LockTimeout      time.Duration

	// CheckInterval is how many rows a bounded materialization collects
	// between memory pressure checks.
	CheckInterval int

	// MaxFetchSize caps materialized rows regardless of the policy cap.
	MaxFetchSize int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.RetryCount < 1 {
		out.RetryCount = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = time.Second
	}
	if out.CheckInterval <= 0 {
		out.CheckInterval = 10000
	}
	if out.MaxFetchSize <= 0 {
		out.MaxFetchSize = 100000
	}
	return out
}

// Executor composes the pool, gate, and monitor into a resilient query
// runner. All fields are injected; the executor owns none of them.
type Executor struct {
	source  ConnSource
	gate    AdmissionGate
	monitor PressureMonitor
	opts    Options
	log     *slog.Logger
}

// New creates an Executor.
func New(source ConnSource, gate AdmissionGate, monitor PressureMonitor, opts Options, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		source:  source,
		gate:    gate,
		monitor: monitor,
		opts:    opts.withDefaults(),
		log:     log,
	}
}

// Execute runs one request under the full resilience envelope.
//
// The admission slot is held across the whole retry loop. Pool
// exhaustion is treated as transient and grants a single extra backoff
// cycle beyond the configured attempts before surfacing.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	e.monitor.RelieveIfNeeded()

	if err := e.gate.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}

	defer e.gate.Release()

	maxAttempts := e.opts.RetryCount
	extraGranted := false

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++

		// Fixed pre-attempt throttle, applied on the first attempt too.
		if e.opts.ThrottleDelay > 0 {
			if err := sleepCtx(ctx, e.opts.ThrottleDelay); err != nil {
				return nil, err
			}
		}

		res, err := e.attempt(ctx, req)
		if err == nil {
			if attempt > 1 {
				e.log.Info("query succeeded after retry", "attempts", attempt)
			}
			return res, nil
		}
		lastErr = err

		if errors.Is(err, dbpool.ErrPoolExhausted) && !extraGranted {
			extraGranted = true
			maxAttempts++
		}

		if !transient(err) {
			e.log.Warn("fatal query error, not retrying", "error", err)
			return nil, &QueryError{SQL: req.SQL, Attempts: attempt, Err: err}
		}

		if attempt < maxAttempts {
			backoff := time.Duration(attempt) * e.opts.RetryDelay
			e.log.Warn("transient query failure, backing off",
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"backoff", backoff,
				"error", err,
			)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}

	return nil, &QueryError{SQL: req.SQL, Attempts: attempt, Err: lastErr}
}

// attempt performs a single execution: borrow, limit, run, materialize.
func (e *Executor) attempt(ctx context.Context, req Request) (*Result, error) {
	conn, err := e.source.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	e.applySessionLimits(ctx, conn)

	rows, err := conn.Query(ctx, req.SQL, req.Args...)
	if err != nil {
		e.source.Release(conn)
		return nil, err
	}

	switch p := req.Policy.(type) {
	case SingleRow:
		res, err := e.collect(rows, 1, false)
		e.source.Release(conn)
		return res, err

	case Batch:
		size := p.Size
		if size <= 0 || size > e.opts.MaxFetchSize {
			size = e.opts.MaxFetchSize
		}
		res, err := e.collect(rows, size, false)
		e.source.Release(conn)
		return res, err

	case BoundedMaterialize:
		limit := p.Cap
		if limit <= 0 || limit > e.opts.MaxFetchSize {
			limit = e.opts.MaxFetchSize
		}
		res, err := e.collect(rows, limit, true)
		e.source.Release(conn)
		return res, err

	case Streaming:
		return &Result{
			Columns: columnNames(rows),
			Stream: &Stream{
				rows:    rows,
				release: func() { e.source.Release(conn) },
			},
		}, nil

	default:
		rows.Close()
		e.source.Release(conn)
		return nil, fmt.Errorf("unknown fetch policy %T", req.Policy)
	}
}

// collect materializes up to limit rows. In bounded mode the monitor is
// consulted every CheckInterval rows, collection stops early under
// pressure or at the cap, and the cut is flagged (not failed). Outside
// bounded mode hitting the limit is the expected fetch size, not a
// truncation.
func (e *Executor) collect(rows pgx.Rows, limit int, bounded bool) (*Result, error) {
	defer rows.Close()

	res := &Result{Columns: columnNames(rows)}

	count := 0
	for rows.Next() {
		if count >= limit {
			if bounded {
				res.Truncated = true
				e.log.Warn("result truncated at row cap", "cap", limit)
			}
			break
		}
		if bounded && count > 0 && count%e.opts.CheckInterval == 0 {
			if !e.monitor.WithinLimit() {
				res.Truncated = true
				e.log.Warn("result truncated under memory pressure", "rows", count)
				break
			}
		}

		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, values)
		count++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// applySessionLimits sets server-side execution bounds on the borrowed
// session. Failures are logged and ignored: a missing limit degrades
// protection, it does not invalidate the query.
func (e *Executor) applySessionLimits(ctx context.Context, conn dbpool.Conn) {
	if e.opts.StatementTimeout > 0 {
		sql := fmt.Sprintf("SET statement_timeout = %d", e.opts.StatementTimeout.Milliseconds())
		if _, err := conn.Exec(ctx, sql); err != nil {
			e.log.Debug("failed to set statement_timeout", "error", err)
		}
	}
	if e.opts.LockTimeout > 0 {
		sql := fmt.Sprintf("SET lock_timeout = %d", e.opts.LockTimeout.Milliseconds())
		if _, err := conn.Exec(ctx, sql); err != nil {
			e.log.Debug("failed to set lock_timeout", "error", err)
		}
	}
}

func columnNames(rows pgx.Rows) []string {
	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	return cols
}

// sleepCtx sleeps unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
