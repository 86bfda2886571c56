// Package dbpool implements the bounded connection pool shared by all
// analysis queries.
//
// The pool is a pure lifecycle manager: it creates connections lazily up
// to a hard cap, validates idle connections with a liveness ping before
// handing them out, and closes connections that come back when the idle
// set is already full. It holds no query semantics. Callers borrow a
// connection with Acquire and must return it with Release on every exit
// path.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPoolExhausted is returned when no connection becomes available
// within the acquire timeout.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// pingTimeout bounds the liveness check on checkout so a dead peer
// cannot stall Acquire for the whole acquire timeout.
const pingTimeout = 5 * time.Second

// Conn is the subset of *pgx.Conn the pool manages. Abstracting it
// keeps the pool (and everything built on it) testable without a
// database server.
type Conn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Factory creates a new database connection.
type Factory func(ctx context.Context) (Conn, error)

// PgxFactory returns a Factory dialing the given connection string.
func PgxFactory(connString string) Factory {
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.Connect(ctx, connString)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return conn, nil
	}
}

// Config holds pool construction parameters.
type Config struct {
	// Factory creates connections. Required.
	Factory Factory

	// MaxConns is the hard cap on live connections (idle + checked out).
	MaxConns int

	// IdleCap is the capacity of the idle set. Connections released
	// while the idle set is full are closed instead of kept, so the
	// pool shrinks back to IdleCap after load spikes.
	IdleCap int

	// AcquireTimeout is how long Acquire waits for a free connection
	// before reporting ErrPoolExhausted.
	AcquireTimeout time.Duration

	Logger *slog.Logger
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Created    int64 // connections ever created
	Reused     int64 // checkouts satisfied from the idle set
	Discarded  int64 // idle connections dropped after a failed ping
	Closed     int64 // connections closed on release overflow or pool close
	CheckedOut int   // currently borrowed
	Idle       int   // currently idle
	MaxConns   int
}

// Pool owns a bounded set of live database connections.
type Pool struct {
	factory        Factory
	maxConns       int
	acquireTimeout time.Duration
	log            *slog.Logger

	mu         sync.Mutex
	idle       chan Conn
	live       int // idle + checked out + reserved-for-create
	checkedOut int
	closed     bool

	created   int64
	reused    int64
	discarded int64
	closedCnt int64
}

// New creates a pool. No connections are dialed until first Acquire.
func New(cfg Config) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, errors.New("dbpool: Factory is required")
	}
	if cfg.MaxConns <= 0 {
		return nil, errors.New("dbpool: MaxConns must be positive")
	}
	idleCap := cfg.IdleCap
	if idleCap <= 0 || idleCap > cfg.MaxConns {
		idleCap = cfg.MaxConns
	}
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Pool{
		factory:        cfg.Factory,
		maxConns:       cfg.MaxConns,
		acquireTimeout: timeout,
		log:            log,
		idle:           make(chan Conn, idleCap),
	}, nil
}

// Acquire returns a live connection, blocking up to the configured
// acquire timeout. Idle connections are ping-checked before handout;
// a dead one is discarded and replaced transparently. When the pool is
// at capacity and nothing is returned in time, ErrPoolExhausted is
// reported.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Prefer an idle connection.
		select {
		case conn := <-p.idle:
			p.mu.Unlock()
			if p.validate(ctx, conn) {
				p.mu.Lock()
				p.checkedOut++
				p.reused++
				p.mu.Unlock()
				return conn, nil
			}
			p.discard(conn)
			continue

		default:
		}

		// Nothing idle: create if below the cap. The slot is reserved
		// under the lock so concurrent acquirers can never push the
		// live count past MaxConns.
		if p.live < p.maxConns {
			p.live++
			p.mu.Unlock()

			conn, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				return nil, fmt.Errorf("create connection: %w", err)
			}

			p.mu.Lock()
			p.checkedOut++
			p.created++
			p.mu.Unlock()
			return conn, nil
		}
		p.mu.Unlock()

		// At capacity: wait for a release, the timeout, or cancellation.
		select {
		case conn := <-p.idle:
			if p.validate(ctx, conn) {
				p.mu.Lock()
				p.checkedOut++
				p.reused++
				p.mu.Unlock()
				return conn, nil
			}
			p.discard(conn)
			// A slot freed up; loop back and try to create.

		case <-timer.C:
			return nil, ErrPoolExhausted

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a borrowed connection. If the idle set is full the
// connection is closed so the pool never grows past its idle capacity
// at rest. A nil conn is ignored.
func (p *Pool) Release(conn Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	p.checkedOut--
	if p.closed {
		p.live--
		p.closedCnt++
		p.mu.Unlock()
		p.closeConn(conn)
		return
	}
	p.mu.Unlock()

	select {
	case p.idle <- conn:
	default:
		p.mu.Lock()
		p.live--
		p.closedCnt++
		p.mu.Unlock()
		p.closeConn(conn)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Created:    p.created,
		Reused:     p.reused,
		Discarded:  p.discarded,
		Closed:     p.closedCnt,
		CheckedOut: p.checkedOut,
		Idle:       len(p.idle),
		MaxConns:   p.maxConns,
	}
}

// Close closes every idle connection and rejects further Acquires.
// Connections still checked out are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.idle:
			p.mu.Lock()
			p.live--
			p.closedCnt++
			p.mu.Unlock()
			p.closeConn(conn)
		default:
			p.log.Debug("pool closed", "stats", fmt.Sprintf("%+v", p.Stats()))
			return
		}
	}
}

// validate runs the liveness ping with its own short deadline.
func (p *Pool) validate(ctx context.Context, conn Conn) bool {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return conn.Ping(pingCtx) == nil
}

// discard drops a connection that failed validation.
func (p *Pool) discard(conn Conn) {
	p.mu.Lock()
	p.live--
	p.discarded++
	p.mu.Unlock()
	p.closeConn(conn)
	p.log.Warn("discarded dead pooled connection")
}

func (p *Pool) closeConn(conn Conn) {
	closeCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := conn.Close(closeCtx); err != nil {
		p.log.Debug("connection close failed", "error", err)
	}
}
