package executor

import (
	"errors"
	"fmt"
	"strings"
)

const (
	searchMarker  = "<<<<<<< SEARCH"
	dividerMarker = "======="
	replaceMarker = ">>>>>>> REPLACE"
)

// ApplyDiff applies SEARCH/REPLACE blocks to original. Each block replaces
// the first match after the previous block's match. Matching is exact,
// then whitespace-insensitive per line, then (for blocks of 3+ lines) by
// first and last line anchors. An empty SEARCH section replaces the rest
// of the file.
func ApplyDiff(original, diff string) (string, error) {
	lines := strings.Split(diff, "\n")
	if n := len(lines); n > 0 && isPartialMarker(lines[n-1]) {
		lines = lines[:n-1]
	}

	const (
		outside = iota
		inSearch
		inReplace
	)

	var (
		out        strings.Builder
		search     strings.Builder
		state      = outside
		last       int
		matchStart int
		matchEnd   int
		blocks     int
	)

	for _, line := range lines {
		switch {
		case strings.TrimRight(line, " \t\r") == searchMarker:
			state = inSearch
			search.Reset()

		case state == inSearch && strings.TrimRight(line, " \t\r") == dividerMarker:
			state = inReplace
			start, end, err := locate(original, search.String(), last)
			if err != nil {
				return "", err
			}
			matchStart, matchEnd = start, end
			out.WriteString(original[last:matchStart])

		case state == inReplace && strings.TrimRight(line, " \t\r") == replaceMarker:
			state = outside
			last = matchEnd
			blocks++

		case state == inSearch:
			search.WriteString(line)
			search.WriteByte('\n')

		case state == inReplace:
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}

	switch state {
	case inSearch:
		return "", errors.New("incomplete SEARCH/REPLACE block: missing " + dividerMarker)
	case inReplace:
		return "", errors.New("incomplete SEARCH/REPLACE block: missing " + replaceMarker)
	}
	if blocks == 0 {
		return "", errors.New("no SEARCH/REPLACE blocks found in diff")
	}
	out.WriteString(original[last:])
	return out.String(), nil
}

func isPartialMarker(line string) bool {
	if line == searchMarker || line == dividerMarker || line == replaceMarker {
		return false
	}
	return strings.HasPrefix(line, "<") || strings.HasPrefix(line, "=") || strings.HasPrefix(line, ">")
}

// locate finds search in original at or after from.
func locate(original, search string, from int) (int, int, error) {
	if search == "" {
		return from, len(original), nil
	}
	if idx := strings.Index(original[from:], search); idx >= 0 {
		return from + idx, from + idx + len(search), nil
	}
	if start, end, ok := lineTrimmedMatch(original, search, from); ok {
		return start, end, nil
	}
	if start, end, ok := blockAnchorMatch(original, search, from); ok {
		return start, end, nil
	}
	return 0, 0, fmt.Errorf("the SEARCH block:\n%s\n...does not match anything in the file", strings.TrimRight(search, "\n"))
}

func splitSearch(search string) []string {
	lines := strings.Split(search, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// firstLineAt returns the index of the first line starting at or after offset.
func firstLineAt(lines []string, offset int) int {
	pos, n := 0, 0
	for pos < offset && n < len(lines) {
		pos += len(lines[n]) + 1
		n++
	}
	return n
}

// span converts a line range to byte offsets, clamped to the content.
func span(lines []string, first, count, size int) (int, int) {
	start := 0
	for k := 0; k < first; k++ {
		start += len(lines[k]) + 1
	}
	end := start
	for k := 0; k < count; k++ {
		end += len(lines[first+k]) + 1
	}
	if end > size {
		end = size
	}
	return start, end
}

func lineTrimmedMatch(original, search string, from int) (int, int, bool) {
	origLines := strings.Split(original, "\n")
	searchLines := splitSearch(search)
	if len(searchLines) == 0 {
		return 0, 0, false
	}

	for i := firstLineAt(origLines, from); i+len(searchLines) <= len(origLines); i++ {
		matched := true
		for j, s := range searchLines {
			if strings.TrimSpace(origLines[i+j]) != strings.TrimSpace(s) {
				matched = false
				break
			}
		}
		if matched {
			start, end := span(origLines, i, len(searchLines), len(original))
			return start, end, true
		}
	}
	return 0, 0, false
}

func blockAnchorMatch(original, search string, from int) (int, int, bool) {
	origLines := strings.Split(original, "\n")
	searchLines := splitSearch(search)
	if len(searchLines) < 3 {
		return 0, 0, false
	}

	first := strings.TrimSpace(searchLines[0])
	last := strings.TrimSpace(searchLines[len(searchLines)-1])
	size := len(searchLines)

	for i := firstLineAt(origLines, from); i+size <= len(origLines); i++ {
		if strings.TrimSpace(origLines[i]) != first {
			continue
		}
		if strings.TrimSpace(origLines[i+size-1]) != last {
			continue
		}
		start, end := span(origLines, i, size, len(original))
		return start, end, true
	}
	return 0, 0, false
}
