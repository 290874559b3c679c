// Package journal records action execution boundaries in an append-only
// NDJSON file per Task.
//
// A started record is synced to disk before the action runs and a finished
// record is appended afterwards. A started record without a finished one
// therefore marks an action whose side effects may have happened; resuming
// code reports it instead of running it again.
package journal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/satto/internal/ndjson"
	"github.com/iambrandonn/satto/internal/protocol"
)

// RecordType distinguishes journal records.
type RecordType string

const (
	ActionStarted  RecordType = "action.started"
	ActionFinished RecordType = "action.finished"
)

// Record is one journal line.
type Record struct {
	Type      RecordType            `json:"type"`
	TaskID    string                `json:"task_id"`
	Seq       int                   `json:"seq"`
	TurnKey   string                `json:"turn_key"`
	Index     int                   `json:"index"`
	Kind      protocol.ActionKind   `json:"kind"`
	Status    protocol.ResultStatus `json:"status,omitempty"`
	Timestamp time.Time             `json:"ts"`
}

// Journal appends records for one Task.
type Journal struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	taskID  string
	mu      sync.Mutex
}

// Open opens (creating if needed) the journal at path for appending.
func Open(path, taskID string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
		taskID:  taskID,
	}, nil
}

// Started durably records that an action is about to run.
func (j *Journal) Started(seq int, turnKey string, req *protocol.ActionRequest) error {
	return j.append(Record{
		Type:    ActionStarted,
		Seq:     seq,
		TurnKey: turnKey,
		Index:   req.Index,
		Kind:    req.Kind,
	})
}

// Finished records that an action returned.
func (j *Journal) Finished(seq int, turnKey string, res *protocol.ActionResult) error {
	return j.append(Record{
		Type:    ActionFinished,
		Seq:     seq,
		TurnKey: turnKey,
		Index:   res.Index,
		Kind:    res.Kind,
		Status:  res.Status,
	})
}

func (j *Journal) append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	rec.TaskID = j.taskID
	rec.Timestamp = time.Now().UTC()

	if err := j.encoder.Encode(rec); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	j.logger.Debug("journal record", "type", rec.Type, "seq", rec.Seq, "index", rec.Index, "kind", rec.Kind)
	return nil
}

// Close closes the journal file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
