// Package taskstore persists Task documents.
//
// Each backend stores one JSON document per Task and replaces it atomically
// on Commit, so a reader sees either the previous or the next state, never
// a mix. Documents carry a schema version; unknown fields are ignored and a
// newer version is rejected as store corruption.
package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/iambrandonn/satto/internal/protocol"
	"github.com/iambrandonn/satto/internal/workspace"
)

// ErrNotFound is returned when no Task has the requested id.
var ErrNotFound = errors.New("task not found")

// ErrExists is returned when creating a Task whose id is taken.
var ErrExists = errors.New("task already exists")

// Store is the Context Store.
type Store interface {
	// Create persists a new Task.
	Create(task *protocol.Task) error
	// Load reads a Task.
	Load(id string) (*protocol.Task, error)
	// Commit atomically replaces the stored Task.
	Commit(task *protocol.Task) error
	// List summarizes all Tasks, most recently updated first.
	List() ([]Summary, error)
	Close() error
}

// Summary is the listing view of a Task.
type Summary struct {
	ID          string              `json:"id"`
	Instruction string              `json:"instruction"`
	Status      protocol.TaskStatus `json:"status"`
	Turns       int                 `json:"turns"`
	CostUSD     float64             `json:"cost_usd"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func summarize(t *protocol.Task) Summary {
	return Summary{
		ID:          t.ID,
		Instruction: t.Instruction,
		Status:      t.Status,
		Turns:       len(t.Turns),
		CostUSD:     t.Usage.CostUSD,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func sortSummaries(s []Summary) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].ID > s[j].ID
		}
		return s[i].UpdatedAt.After(s[j].UpdatedAt)
	})
}

// Open returns the backend named by backend ("file" or "sqlite").
func Open(backend string, layout workspace.Layout, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend {
	case "", "file":
		return NewFileStore(layout, logger), nil
	case "sqlite":
		return NewSQLiteStore(layout.DatabaseFile(), logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Latest returns the most recently updated Task that is not terminal.
func Latest(s Store) (*protocol.Task, error) {
	summaries, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, sum := range summaries {
		if !sum.Status.Terminal() {
			return s.Load(sum.ID)
		}
	}
	return nil, ErrNotFound
}

func encodeTask(task *protocol.Task) ([]byte, error) {
	if task == nil || task.ID == "" {
		return nil, fmt.Errorf("task must have an id")
	}
	task.SchemaVersion = protocol.SchemaVersion
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeTask parses and checks a stored document.
func decodeTask(id string, data []byte) (*protocol.Task, error) {
	var task protocol.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, protocol.NewError(protocol.KindStoreCorrupt, "decode",
			fmt.Sprintf("task %s is not valid JSON", id), err)
	}
	if task.SchemaVersion > protocol.SchemaVersion {
		return nil, protocol.Errorf(protocol.KindStoreCorrupt, "schema_version",
			"task %s has schema version %d, newer than supported %d", id, task.SchemaVersion, protocol.SchemaVersion)
	}
	if task.ID != id {
		return nil, protocol.Errorf(protocol.KindStoreCorrupt, "id_mismatch",
			"task document %s claims id %q", id, task.ID)
	}
	if task.Turns == nil {
		task.Turns = []protocol.Turn{}
	}
	return &task, nil
}
