package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// StateDirName is the per-workspace state directory.
const StateDirName = ".satto"

// Layout locates satto's state for one workspace:
//
//	<state>/tasks/<id>/task.json        Task document (file backend)
//	<state>/tasks/<id>/journal.ndjson   action journal
//	<state>/tasks/<id>/.lock            single-owner lock
//	<state>/transcripts/<id>.log        plain-text transcript
//	<state>/satto.db                    SQLite backend
type Layout struct {
	Root     string
	StateDir string
}

// NewLayout builds a layout for root; stateDir overrides <root>/.satto.
func NewLayout(root, stateDir string) (Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if stateDir == "" {
		stateDir = filepath.Join(abs, StateDirName)
	} else if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(abs, stateDir)
	}
	return Layout{Root: abs, StateDir: stateDir}, nil
}

// GetRequiredDirectories returns the directories that must exist under the state dir
func GetRequiredDirectories() []string {
	return []string{
		"tasks",       // tasks/<id>/{task.json,journal.ndjson,.lock}
		"transcripts", // transcripts/<id>.log
	}
}

func (l Layout) TasksDir() string { return filepath.Join(l.StateDir, "tasks") }

func (l Layout) TaskDir(id string) string { return filepath.Join(l.TasksDir(), id) }

func (l Layout) TaskFile(id string) string { return filepath.Join(l.TaskDir(id), "task.json") }

func (l Layout) JournalFile(id string) string { return filepath.Join(l.TaskDir(id), "journal.ndjson") }

func (l Layout) LockFile(id string) string { return filepath.Join(l.TaskDir(id), ".lock") }

func (l Layout) TranscriptFile(id string) string {
	return filepath.Join(l.StateDir, "transcripts", id+".log")
}

func (l Layout) DatabaseFile() string { return filepath.Join(l.StateDir, "satto.db") }

// Initialize creates all required state directories with 0700 permissions
// and a .gitignore that keeps the state out of version control.
// It is idempotent.
func Initialize(l Layout) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(l.StateDir, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}

	ignore := filepath.Join(l.StateDir, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", ignore, err)
		}
	}

	return nil
}

// IsInitialized checks if the state dir has all required directories
func IsInitialized(l Layout) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(l.StateDir, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}

	return true, nil
}
