// Package search finds regex matches under a directory.
//
// Two backends exist: ripgrep (`rg --json`) when it is on PATH, and a pure
// Go walker. Both honor the workspace .gitignore and configured ignore
// patterns and stop after MaxResults matches.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
)

// MaxResults caps the matches returned by one search.
const MaxResults = 300

// Match is one matching line with a line of context on each side.
type Match struct {
	// Path is relative to the workspace root.
	Path   string
	Line   int
	Text   string
	Before string
	After  string
}

// Query describes a search.
type Query struct {
	// Root is the workspace root; match paths are relative to it.
	Root string
	// Dir is the absolute directory to search.
	Dir         string
	Regex       string
	FilePattern string
	// Ignore holds extra gitignore-style patterns.
	Ignore     []string
	MaxResults int
}

func (q Query) limit() int {
	if q.MaxResults <= 0 {
		return MaxResults
	}
	return q.MaxResults
}

// Result is the outcome of a search.
type Result struct {
	Matches   []Match
	Truncated bool
}

// Backend runs searches.
type Backend interface {
	Name() string
	Search(ctx context.Context, q Query) (*Result, error)
}

// New selects a backend: "ripgrep", "go", or "auto" (ripgrep when found).
func New(kind string, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case "", "auto":
		if bin, err := exec.LookPath("rg"); err == nil {
			return &Ripgrep{Bin: bin, logger: logger}, nil
		}
		logger.Debug("ripgrep not found, using Go search")
		return &Walker{logger: logger}, nil
	case "ripgrep", "rg":
		bin, err := exec.LookPath("rg")
		if err != nil {
			return nil, fmt.Errorf("search backend ripgrep: rg not found on PATH")
		}
		return &Ripgrep{Bin: bin, logger: logger}, nil
	case "go":
		return &Walker{logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown search backend %q", kind)
	}
}

// Format renders matches grouped by file.
func Format(res *Result) string {
	if res == nil || len(res.Matches) == 0 {
		return "Found 0 results."
	}

	var b strings.Builder
	if res.Truncated {
		fmt.Fprintf(&b, "Showing first %d of %d+ results. Use a more specific search if necessary.\n\n", len(res.Matches), len(res.Matches))
	} else if len(res.Matches) == 1 {
		b.WriteString("Found 1 result.\n\n")
	} else {
		fmt.Fprintf(&b, "Found %d results.\n\n", len(res.Matches))
	}

	current := ""
	for i, m := range res.Matches {
		if m.Path != current {
			if current != "" {
				b.WriteString("│----\n\n")
			}
			current = m.Path
			b.WriteString(filepath.ToSlash(m.Path))
			b.WriteString("\n│----\n")
		} else if i > 0 {
			b.WriteString("│----\n")
		}
		if m.Before != "" {
			b.WriteString("│" + m.Before + "\n")
		}
		b.WriteString("│" + m.Text + "\n")
		if m.After != "" {
			b.WriteString("│" + m.After + "\n")
		}
	}
	b.WriteString("│----")
	return b.String()
}
