package search

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Ripgrep shells out to `rg --json`.
type Ripgrep struct {
	Bin    string
	logger *slog.Logger
}

func (r *Ripgrep) Name() string { return "ripgrep" }

// rgMessage is the subset of rg's JSON Lines output we read.
type rgMessage struct {
	Type string `json:"type"`
	Data struct {
		Path struct {
			Text string `json:"text"`
		} `json:"path"`
		Lines struct {
			Text string `json:"text"`
		} `json:"lines"`
		LineNumber int `json:"line_number"`
	} `json:"data"`
}

type rgLine struct {
	number  int
	text    string
	isMatch bool
}

func (r *Ripgrep) args(q Query) []string {
	args := []string{"--json", "--no-require-git", "--context", "1", "-e", q.Regex}
	if q.FilePattern != "" && q.FilePattern != "*" {
		args = append(args, "--glob", q.FilePattern)
	}
	for _, p := range q.Ignore {
		if p = strings.TrimSpace(p); p != "" {
			args = append(args, "--glob", "!"+p)
		}
	}
	return append(args, q.Dir)
}

func (r *Ripgrep) Search(ctx context.Context, q Query) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Bin, r.args(q)...)
	cmd.Dir = q.Root
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ripgrep: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ripgrep: %w", err)
	}

	limit := q.limit()
	res := &Result{}
	var (
		file  string
		lines []rgLine
	)
	flush := func() {
		for i, l := range lines {
			if !l.isMatch {
				continue
			}
			if len(res.Matches) >= limit {
				res.Truncated = true
				return
			}
			m := Match{Path: relPath(q.Root, file), Line: l.number, Text: l.text}
			if i > 0 && lines[i-1].number == l.number-1 {
				m.Before = lines[i-1].text
			}
			if i+1 < len(lines) && lines[i+1].number == l.number+1 {
				m.After = lines[i+1].text
			}
			res.Matches = append(res.Matches, m)
		}
		lines = lines[:0]
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() && !res.Truncated {
		var msg rgMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "begin":
			file = msg.Data.Path.Text
			lines = lines[:0]
		case "match", "context":
			lines = append(lines, rgLine{
				number:  msg.Data.LineNumber,
				text:    strings.TrimRight(msg.Data.Lines.Text, "\r\n"),
				isMatch: msg.Type == "match",
			})
		case "end":
			flush()
		}
	}

	if res.Truncated {
		// Enough results; stop rg early.
		cancel()
		_ = cmd.Wait()
		return res, nil
	}

	waitErr := cmd.Wait()
	if waitErr == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		switch exitErr.ExitCode() {
		case 1:
			// No matches.
			return res, nil
		case 2:
			if len(res.Matches) > 0 {
				r.logger.Debug("ripgrep reported errors", "stderr", strings.TrimSpace(stderr.String()))
				return res, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = waitErr.Error()
	}
	return nil, fmt.Errorf("ripgrep: %s", msg)
}
