package taskstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/iambrandonn/satto/internal/fsutil"
	"github.com/iambrandonn/satto/internal/protocol"
	"github.com/iambrandonn/satto/internal/workspace"
)

// FileStore keeps each Task in <state>/tasks/<id>/task.json.
type FileStore struct {
	layout workspace.Layout
	logger *slog.Logger
}

// NewFileStore creates a file-backed store.
func NewFileStore(layout workspace.Layout, logger *slog.Logger) *FileStore {
	return &FileStore{layout: layout, logger: logger}
}

func (s *FileStore) Create(task *protocol.Task) error {
	path := s.layout.TaskFile(task.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, task.ID)
	}
	return s.write(task)
}

func (s *FileStore) Load(id string) (*protocol.Task, error) {
	data, err := os.ReadFile(s.layout.TaskFile(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	return decodeTask(id, data)
}

func (s *FileStore) Commit(task *protocol.Task) error {
	task.UpdatedAt = time.Now().UTC()
	return s.write(task)
}

func (s *FileStore) write(task *protocol.Task) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	if err := fsutil.AtomicWrite(s.layout.TaskFile(task.ID), data); err != nil {
		return fmt.Errorf("failed to commit task %s: %w", task.ID, err)
	}
	s.logger.Debug("task committed", "task_id", task.ID, "status", task.Status, "turns", len(task.Turns))
	return nil
}

func (s *FileStore) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.layout.TasksDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		task, err := s.Load(entry.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Warn("skipping unreadable task", "task_id", entry.Name(), "error", err)
			continue
		}
		summaries = append(summaries, summarize(task))
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *FileStore) Close() error { return nil }
