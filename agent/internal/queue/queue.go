package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/phoenixtracker/phoenixtracker/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_uploads (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  REAL NOT NULL,
	type       TEXT NOT NULL,
	data       BLOB NOT NULL,
	attachment BLOB
);
`

// defaultPoolSize covers the agent's single control loop plus one
// concurrent administrative reader (metrics scrape, stats).
const defaultPoolSize = 2

// StorageError reports a failure in the SQLite layer. Callers match it
// with errors.As to tell storage malfunctions apart from delivery outcomes.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Stats summarizes the queue contents.
type Stats struct {
	Count           int
	ApproxSizeBytes int64
}

// Config holds the parameters for opening a queue. Path is required.
type Config struct {
	// Path is the SQLite database file. It is created if missing; the
	// parent directory must exist.
	Path string

	// PoolSize is the number of SQLite connections. Defaults to 2.
	PoolSize int

	// Logger receives skip and open/close messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// Queue is a durable FIFO of undelivered events. It is safe for
// concurrent use within a process.
type Queue struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
	now    func() time.Time // injectable for deterministic tests
}

// Open opens (creating if necessary) the queue database at cfg.Path.
func Open(cfg Config) (*Queue, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("queue: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, &StorageError{Op: "open " + cfg.Path, Err: err}
	}

	q := &Queue{pool: pool, logger: logger, path: cfg.Path, now: time.Now}

	// Take one connection eagerly so schema or pragma problems surface at
	// Open rather than on the first Enqueue.
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, &StorageError{Op: "open " + cfg.Path, Err: err}
	}
	pool.Put(conn)

	logger.Info("queue: opened", "path", cfg.Path, "pool_size", poolSize)
	return q, nil
}

// prepareConn applies pragmas and ensures the schema on every new connection.
func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		// FULL: the WAL is fsynced at every commit, so an acknowledged
		// Enqueue survives power loss, not only a process crash.
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (q *Queue) Close() error {
	if err := q.pool.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	q.logger.Info("queue: closed", "path", q.path)
	return nil
}

// Enqueue appends ev and returns its id. The row is committed to disk
// before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, ev types.Event) (id int64, err error) {
	if err := ev.Validate(); err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	data, err := encodePayload(ev)
	if err != nil {
		return 0, &StorageError{Op: "encode payload", Err: err}
	}
	var attachment any
	if len(ev.Attachment) > 0 {
		attachment = ev.Attachment
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, &StorageError{Op: "enqueue", Err: err}
	}
	defer q.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, &StorageError{Op: "enqueue: begin", Err: err}
	}
	defer func() {
		endFn(&err)
		if err != nil {
			id = 0
			if _, ok := err.(*StorageError); !ok {
				err = &StorageError{Op: "enqueue: commit", Err: err}
			}
		}
	}()

	err = sqlitex.Execute(conn,
		"INSERT INTO pending_uploads (timestamp, type, data, attachment) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{types.UnixSeconds(q.now()), string(ev.Kind), data, attachment},
		})
	if err != nil {
		return 0, &StorageError{Op: "enqueue", Err: err}
	}
	id = conn.LastInsertRowID()

	q.logger.Debug("queue: enqueued", "id", id, "type", ev.Kind, "attachment_bytes", len(ev.Attachment))
	return id, nil
}

// DequeueBatch returns up to limit of the oldest events in ascending id
// order. Events stay in the queue until Remove is called. Rows that fail
// to decode are skipped and logged.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]types.QueuedEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, &StorageError{Op: "dequeue", Err: err}
	}
	defer q.pool.Put(conn)

	var out []types.QueuedEvent
	err = sqlitex.Execute(conn,
		"SELECT id, timestamp, type, data, attachment FROM pending_uploads ORDER BY id ASC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id := stmt.ColumnInt64(0)
				enqueuedAt := types.FromUnixSeconds(stmt.ColumnFloat(1))
				kind := stmt.ColumnText(2)
				data := columnBlob(stmt, 3)
				attachment := columnBlob(stmt, 4)

				ev, err := decodePayload(kind, data, attachment)
				if err != nil {
					q.logger.Warn("queue: skipping corrupt record", "id", id, "type", kind, "err", err)
					return nil
				}
				out = append(out, types.QueuedEvent{ID: id, EnqueuedAt: enqueuedAt, Event: ev})
				return nil
			},
		})
	if err != nil {
		return nil, &StorageError{Op: "dequeue", Err: err}
	}
	return out, nil
}

// Remove deletes the event with the given id. Removing an id that does
// not exist is not an error.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	return q.exec(ctx, "remove", "DELETE FROM pending_uploads WHERE id = ?", id)
}

// Clear deletes all queued events.
func (q *Queue) Clear(ctx context.Context) error {
	return q.exec(ctx, "clear", "DELETE FROM pending_uploads")
}

// Stats returns the number of queued events and the approximate on-disk
// size of the database.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}
	defer q.pool.Put(conn)

	var st Stats
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM pending_uploads", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			st.Count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return Stats{}, &StorageError{Op: "stats: count", Err: err}
	}
	err = sqlitex.Execute(conn, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			st.ApproxSizeBytes = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return Stats{}, &StorageError{Op: "stats: size", Err: err}
	}
	return st, nil
}

// exec runs a single mutating statement in an IMMEDIATE transaction.
func (q *Queue) exec(ctx context.Context, op, query string, args ...any) (err error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	defer q.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return &StorageError{Op: op + ": begin", Err: err}
	}
	defer func() {
		endFn(&err)
		if err != nil {
			if _, ok := err.(*StorageError); !ok {
				err = &StorageError{Op: op + ": commit", Err: err}
			}
		}
	}()

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// columnBlob copies a BLOB column, returning nil for NULL or empty values.
func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	n := stmt.ColumnLen(col)
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	stmt.ColumnBytes(col, buf)
	return buf
}
