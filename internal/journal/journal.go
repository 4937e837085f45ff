// Package journal appends one row per dispatched command to PostgreSQL.
// Writes are batched on a background goroutine so recording never blocks
// a session.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the journal can be tested with a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Entry is one completed command.
type Entry struct {
	SessionID string
	Command   string
	Status    string
	Message   string
	Duration  time.Duration
	At        time.Time
}

const (
	table = "command_journal"

	createTable = `
        CREATE TABLE IF NOT EXISTS command_journal (
            session_id  TEXT        NOT NULL,
            command     TEXT        NOT NULL,
            status      TEXT        NOT NULL,
            message     TEXT        NOT NULL,
            duration_ms BIGINT      NOT NULL,
            at          TIMESTAMPTZ NOT NULL
        );
    `

	selectRecent = `
        SELECT session_id, command, status, message, duration_ms, at
        FROM command_journal
        WHERE session_id = $1
        ORDER BY at DESC
        LIMIT $2;
    `
)

var columns = []string{"session_id", "command", "status", "message", "duration_ms", "at"}

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal is closed")

// Options tunes batching.
type Options struct {
	// Buffer is how many entries may wait for the writer before Record
	// starts dropping them.
	Buffer int
	// BatchSize caps the rows written by one COPY.
	BatchSize int
	// FlushInterval bounds how long an entry waits in a partial batch.
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	return o
}

// Journal is a batched command journal.
type Journal struct {
	pool   DBPool
	log    *zap.Logger
	opts   Options
	closer func()

	mu      sync.RWMutex
	closed  bool
	entries chan Entry
	done    chan struct{}
	dropped atomic.Int64
}

// New verifies the connection, ensures the table exists and starts the
// writer.
func New(ctx context.Context, pool DBPool, logger *zap.Logger, opts Options) (*Journal, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		return nil, fmt.Errorf("failed to create journal table: %w", err)
	}
	opts = opts.withDefaults()
	j := &Journal{
		pool:    pool,
		log:     logger.Named("journal"),
		opts:    opts,
		entries: make(chan Entry, opts.Buffer),
		done:    make(chan struct{}),
	}
	go j.write()
	return j, nil
}

// Open connects to the database at url and returns a journal that owns
// the pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Journal, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	j, err := New(ctx, pool, logger, Options{})
	if err != nil {
		pool.Close()
		return nil, err
	}
	j.closer = pool.Close
	return j, nil
}

// Record queues e for writing. It never blocks; when the buffer is full
// the entry is dropped.
func (j *Journal) Record(e Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.entries <- e:
	default:
		n := j.dropped.Add(1)
		j.log.Warn("Journal buffer full, dropping entry.",
			zap.String("session_id", e.SessionID),
			zap.String("command", e.Command),
			zap.Int64("dropped_total", n))
	}
}

// Close flushes queued entries and stops the writer. The pool is closed
// when the journal opened it.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.entries)
	j.mu.Unlock()

	var err error
	select {
	case <-j.done:
	case <-ctx.Done():
		err = fmt.Errorf("journal flush interrupted: %w", ctx.Err())
	}
	if j.closer != nil {
		j.closer()
	}
	return err
}

func (j *Journal) write() {
	defer close(j.done)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, j.opts.BatchSize)
	for {
		select {
		case e, ok := <-j.entries:
			if !ok {
				j.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= j.opts.BatchSize {
				j.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				j.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes a batch with COPY. Failures are logged and the batch is
// discarded.
func (j *Journal) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	rows := make([][]any, len(batch))
	for i, e := range batch {
		rows[i] = []any{e.SessionID, e.Command, e.Status, e.Message, e.Duration.Milliseconds(), e.At.UTC()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := j.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		j.log.Error("Failed to write journal batch.", zap.Int("entries", len(batch)), zap.Error(err))
		return
	}
	if int(n) != len(batch) {
		j.log.Warn("Journal batch partially written.", zap.Int("entries", len(batch)), zap.Int64("written", n))
	}
}

// Recent returns up to limit entries for a session, newest first.
func (j *Journal) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	rows, err := j.pool.Query(ctx, selectRecent, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.SessionID, &e.Command, &e.Status, &e.Message, &ms, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
