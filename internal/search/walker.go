package search

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// errLimit stops the walk once enough matches are collected.
var errLimit = errors.New("result limit reached")

// Walker searches with the standard library regexp engine.
type Walker struct {
	logger *slog.Logger
}

func (w *Walker) Name() string { return "go" }

func (w *Walker) Search(ctx context.Context, q Query) (*Result, error) {
	re, err := regexp.Compile(q.Regex)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	info, err := os.Stat(q.Dir)
	if err != nil {
		return nil, fmt.Errorf("search path: %w", err)
	}

	ignorer := NewIgnorer(q.Root, q.Ignore)
	res := &Result{}
	limit := q.limit()

	visit := func(path string) error {
		matches, err := searchFile(path, re)
		if err != nil {
			if w.logger != nil {
				w.logger.Debug("skipping unreadable file", "path", path, "error", err)
			}
			return nil
		}
		rel := relPath(q.Root, path)
		for _, m := range matches {
			if len(res.Matches) >= limit {
				res.Truncated = true
				return errLimit
			}
			m.Path = rel
			res.Matches = append(res.Matches, m)
		}
		return nil
	}

	if !info.IsDir() {
		if err := visit(q.Dir); err != nil && !errors.Is(err, errLimit) {
			return nil, err
		}
		return res, nil
	}

	err = filepath.WalkDir(q.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if path == q.Dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if ignorer.Ignored(path, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ignorer.Ignored(path, false) {
			return nil
		}
		if !matchesFilePattern(q.FilePattern, q.Dir, path) {
			return nil
		}
		return visit(path)
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, err
	}
	return res, nil
}

func matchesFilePattern(pattern, dir, path string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "/") {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return false
		}
		ok, _ := filepath.Match(pattern, filepath.ToSlash(rel))
		return ok
	}
	ok, _ := filepath.Match(pattern, filepath.Base(path))
	return ok
}

// searchFile returns the matches of one file, skipping binary content.
func searchFile(path string, re *regexp.Regexp) ([]Match, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return nil, nil
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var out []Match
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		m := Match{Line: i + 1, Text: line}
		if i > 0 {
			m.Before = lines[i-1]
		}
		if i+1 < len(lines) {
			m.After = lines[i+1]
		}
		out = append(out, m)
	}
	return out, nil
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
