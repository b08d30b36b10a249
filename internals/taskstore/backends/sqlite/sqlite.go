package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Oudwins/storyd/internals/faults"
	"github.com/Oudwins/storyd/internals/taskstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Config struct {
	Path   string
	DB     *sql.DB
	Logger *slog.Logger
}

type Backend struct {
	db     *sql.DB
	ownsDB bool
}

func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DB == nil && cfg.Path == "" {
		return nil, errors.New("sqlite task store requires a db or path")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db := cfg.DB
	ownsDB := false
	if db == nil {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
		opened, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
		if err != nil {
			return nil, err
		}
		if err := opened.PingContext(ctx); err != nil {
			opened.Close()
			return nil, err
		}
		db = opened
		ownsDB = true
	}

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, logger); err != nil {
		return nil, err
	}
	if ownsDB {
		// One connection serialises writers; revisions handle the rest.
		db.SetMaxOpenConns(1)
	}

	return &Backend{db: db, ownsDB: ownsDB}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, result := range results {
		logger.Debug("Applied migration",
			slog.Int64("version", result.Source.Version),
			slog.String("source", result.Source.Path),
			slog.Duration("duration", result.Duration),
		)
	}
	return nil
}

func (b *Backend) Insert(ctx context.Context, task taskstore.Task) error {
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO tasks (id, owner, workflow, current_segment, status, params_json, last_error, revision, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, task.ID, task.Owner, task.Workflow, task.CurrentSegment, string(task.Status), string(params), nullIfEmpty(task.LastError), task.Revision, formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	return err
}

func (b *Backend) Load(ctx context.Context, id string) (taskstore.Task, error) {
	row := b.db.QueryRowContext(ctx, `
SELECT id, owner, workflow, current_segment, status, params_json, last_error, revision, created_at, updated_at
FROM tasks
WHERE id = ?
`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return taskstore.Task{}, faults.NotFound("task %s not found", id)
	}
	return task, err
}

func (b *Backend) LoadByOwner(ctx context.Context, owner string) ([]taskstore.Task, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT id, owner, workflow, current_segment, status, params_json, last_error, revision, created_at, updated_at
FROM tasks
WHERE owner = ?
ORDER BY created_at DESC, id DESC
`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]taskstore.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (b *Backend) Swap(ctx context.Context, next taskstore.Task, expectedRevision int64) (bool, error) {
	params, err := json.Marshal(next.Params)
	if err != nil {
		return false, fmt.Errorf("encode params: %w", err)
	}
	res, err := b.db.ExecContext(ctx, `
UPDATE tasks
SET workflow = ?, current_segment = ?, status = ?, params_json = ?, last_error = ?, revision = ?, updated_at = ?
WHERE id = ? AND revision = ?
`, next.Workflow, next.CurrentSegment, string(next.Status), string(params), nullIfEmpty(next.LastError), next.Revision, formatTime(next.UpdatedAt), next.ID, expectedRevision)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (b *Backend) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (taskstore.Task, error) {
	var task taskstore.Task
	var status string
	var params string
	var lastError sql.NullString
	var createdAt string
	var updatedAt string
	if err := row.Scan(&task.ID, &task.Owner, &task.Workflow, &task.CurrentSegment, &status, &params, &lastError, &task.Revision, &createdAt, &updatedAt); err != nil {
		return taskstore.Task{}, err
	}
	task.Status = taskstore.Status(status)
	task.LastError = lastError.String
	if err := json.Unmarshal([]byte(params), &task.Params); err != nil {
		return taskstore.Task{}, fmt.Errorf("decode params of task %s: %w", task.ID, err)
	}
	var err error
	if task.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return taskstore.Task{}, err
	}
	if task.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return taskstore.Task{}, err
	}
	return task, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
