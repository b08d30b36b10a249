package taskysqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Oudwins/storyd/internals/tasky"
)

var ErrRetriesExceeded = errors.New("retries exceeded")

type Config struct {
	Path      string
	DB        *sql.DB
	QueueName string
	// RetryMax is the number of redeliveries after a Nack. Zero disables
	// retries.
	RetryMax     int
	RetryDelay   func(attempts int) time.Duration
	PollInterval time.Duration
	// RecoverInFlight returns tasks left in flight by a previous process to
	// the pending state when the backend opens.
	RecoverInFlight bool
}

// Backend is a durable queue stored in one sqlite table.
type Backend[T tasky.JobID] struct {
	db      *sql.DB
	ownsDB  bool
	signal  chan struct{}
	cfg     Config
	queries queries
}

type queries struct {
	insert      string
	dequeue     string
	ack         string
	attempts    string
	fail        string
	retry       string
	recoverable string
	count       string
}

func New[T tasky.JobID](ctx context.Context, cfg Config) (*Backend[T], error) {
	if cfg.DB == nil && cfg.Path == "" {
		return nil, errors.New("sqlite backend requires a db or path")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "tasky_queue"
	}
	if err := validateQueueName(cfg.QueueName); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}

	db := cfg.DB
	ownsDB := false
	if db == nil {
		opened, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
		if err != nil {
			return nil, err
		}
		if err := opened.PingContext(ctx); err != nil {
			_ = opened.Close()
			return nil, err
		}
		db = opened
		ownsDB = true
	}

	backend := &Backend[T]{
		db:      db,
		ownsDB:  ownsDB,
		signal:  make(chan struct{}, 1),
		cfg:     cfg,
		queries: buildQueries(cfg.QueueName),
	}
	if err := backend.init(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}
	if cfg.RecoverInFlight {
		if err := backend.recover(ctx); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}
	return backend, nil
}

func (b *Backend[T]) Enqueue(ctx context.Context, task *tasky.Task[T], job *tasky.Job[T]) error {
	if task.TaskID == "" {
		return errors.New("task id is empty")
	}
	now := time.Now().UTC().UnixNano()
	if _, err := b.db.ExecContext(ctx, b.queries.insert,
		task.TaskID, string(task.JobID), task.Payload, job.Priority, now, now, now,
	); err != nil {
		return fmt.Errorf("insert task %s: %w", task.TaskID, err)
	}
	b.notify()
	return nil
}

// Dequeue claims the highest priority available task, polling while the
// queue is empty.
func (b *Backend[T]) Dequeue(ctx context.Context) (T, tasky.TaskID, []byte, error) {
	var zero T
	timer := time.NewTimer(b.cfg.PollInterval)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return zero, "", nil, ctx.Err()
		}

		now := time.Now().UTC().UnixNano()
		var taskID, jobID string
		var payload []byte
		err := b.db.QueryRowContext(ctx, b.queries.dequeue, now, now).Scan(&taskID, &jobID, &payload)
		if err == nil {
			return T(jobID), taskID, payload, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return zero, "", nil, err
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.cfg.PollInterval)

		select {
		case <-ctx.Done():
			return zero, "", nil, ctx.Err()
		case <-b.signal:
		case <-timer.C:
		}
	}
}

func (b *Backend[T]) Ack(ctx context.Context, taskID tasky.TaskID) error {
	now := time.Now().UTC().UnixNano()
	res, err := b.db.ExecContext(ctx, b.queries.ack, now, now, taskID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("unknown task id: %v", taskID)
	}
	return nil
}

func (b *Backend[T]) Nack(ctx context.Context, taskID tasky.TaskID) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var attempts int
	if err := tx.QueryRowContext(ctx, b.queries.attempts, taskID).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("unknown task id: %v", taskID)
		}
		return err
	}

	attempts++
	now := time.Now().UTC()
	if attempts > b.cfg.RetryMax {
		if _, err := tx.ExecContext(ctx, b.queries.fail, attempts, now.UnixNano(), taskID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return ErrRetriesExceeded
	}

	availableAt := now
	if b.cfg.RetryDelay != nil {
		if delay := b.cfg.RetryDelay(attempts); delay > 0 {
			availableAt = now.Add(delay)
		}
	}
	if _, err := tx.ExecContext(ctx, b.queries.retry, attempts, availableAt.UnixNano(), now.UnixNano(), taskID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.notify()
	return nil
}

// Pending counts tasks waiting to be dequeued.
func (b *Backend[T]) Pending(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, b.queries.count).Scan(&n)
	return n, err
}

func (b *Backend[T]) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}

func (b *Backend[T]) init(ctx context.Context) error {
	name := b.cfg.QueueName
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	payload BLOB,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_dequeue ON %[1]s(status, available_at, priority DESC, created_at ASC);
`, name))
	return err
}

func (b *Backend[T]) recover(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, b.queries.recoverable, time.Now().UTC().UnixNano())
	return err
}

func (b *Backend[T]) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func buildQueries(name string) queries {
	return queries{
		insert: fmt.Sprintf(`
INSERT INTO %s (id, job_id, payload, priority, status, attempts, available_at, created_at, updated_at)
VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)`, name),
		dequeue: fmt.Sprintf(`
UPDATE %[1]s
SET status = 'in_flight', updated_at = ?
WHERE id = (
	SELECT id FROM %[1]s
	WHERE status = 'pending' AND available_at <= ?
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
)
RETURNING id, job_id, payload`, name),
		ack: fmt.Sprintf(`
UPDATE %s SET status = 'completed', updated_at = ?, completed_at = ?
WHERE id = ? AND status = 'in_flight'`, name),
		attempts: fmt.Sprintf(`SELECT attempts FROM %s WHERE id = ? AND status = 'in_flight'`, name),
		fail:     fmt.Sprintf(`UPDATE %s SET status = 'failed', attempts = ?, updated_at = ? WHERE id = ?`, name),
		retry: fmt.Sprintf(`
UPDATE %s SET status = 'pending', attempts = ?, available_at = ?, updated_at = ?
WHERE id = ?`, name),
		recoverable: fmt.Sprintf(`UPDATE %s SET status = 'pending', updated_at = ? WHERE status = 'in_flight'`, name),
		count:       fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = 'pending'`, name),
	}
}

var queueNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return fmt.Errorf("invalid queue name: %s", name)
	}
	return nil
}
