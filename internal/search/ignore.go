package search

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// AlwaysIgnored directories are skipped regardless of .gitignore.
var AlwaysIgnored = []string{".git", "node_modules"}

// Ignorer matches workspace paths against gitignore rules.
type Ignorer struct {
	root    string
	matcher gitignore.Matcher
}

// NewIgnorer loads <root>/.gitignore and adds the extra patterns.
func NewIgnorer(root string, extra []string) *Ignorer {
	var patterns []gitignore.Pattern
	for _, line := range readIgnoreFile(filepath.Join(root, ".gitignore")) {
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	for _, line := range extra {
		if line = strings.TrimSpace(line); line != "" {
			patterns = append(patterns, gitignore.ParsePattern(line, nil))
		}
	}
	return &Ignorer{root: root, matcher: gitignore.NewMatcher(patterns)}
}

// Ignored reports whether the absolute path should be skipped.
func (i *Ignorer) Ignored(path string, isDir bool) bool {
	if i == nil {
		return false
	}
	if isDir {
		base := filepath.Base(path)
		for _, name := range AlwaysIgnored {
			if base == name {
				return true
			}
		}
	}
	rel, err := filepath.Rel(i.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	return i.matcher.Match(strings.Split(filepath.ToSlash(rel), "/"), isDir)
}

func readIgnoreFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
