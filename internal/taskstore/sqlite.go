package taskstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iambrandonn/satto/internal/protocol"
)

// SQLiteStore keeps every Task document in one row of a SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			instruction TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			doc TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(task *protocol.Task) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, task.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check task %s: %w", task.ID, err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrExists, task.ID)
	}

	if _, err := tx.Exec(`INSERT INTO tasks (id, status, instruction, created_at, updated_at, doc) VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Status), task.Instruction,
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano), string(data)); err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(id string) (*protocol.Task, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM tasks WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return decodeTask(id, []byte(doc))
}

func (s *SQLiteStore) Commit(task *protocol.Task) error {
	task.UpdatedAt = time.Now().UTC()
	data, err := encodeTask(task)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO tasks (id, status, instruction, created_at, updated_at, doc) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at, doc = excluded.doc`,
		task.ID, string(task.Status), task.Instruction,
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("commit task %s: %w", task.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task %s: %w", task.ID, err)
	}
	s.logger.Debug("task committed", "task_id", task.ID, "status", task.Status, "turns", len(task.Turns))
	return nil
}

func (s *SQLiteStore) List() ([]Summary, error) {
	rows, err := s.db.Query(`SELECT id, doc FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0)
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task, err := decodeTask(id, []byte(doc))
		if err != nil {
			s.logger.Warn("skipping unreadable task", "task_id", id, "error", err)
			continue
		}
		summaries = append(summaries, summarize(task))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
