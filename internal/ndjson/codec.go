// Package ndjson reads and writes newline-delimited JSON, one record per
// line, as used by the action journal.
package ndjson

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// MaxMessageSize bounds a single line (256 KiB).
const MaxMessageSize = 256 * 1024

// LineError reports a line that is not valid JSON for the target value.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Encoder appends records to w. Every record is flushed before Encode
// returns so a crash loses at most the record being written.
type Encoder struct {
	w      *bufio.Writer
	logger *slog.Logger
}

func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{w: bufio.NewWriter(w), logger: logger}
}

// Encode writes v followed by a newline. Records over MaxMessageSize are
// rejected without writing anything.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) > MaxMessageSize {
		e.logger.Error("record exceeds size limit", "size", len(data), "limit", MaxMessageSize)
		return fmt.Errorf("record size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return e.w.Flush()
}

// Decoder reads records back. Blank lines are skipped.
type Decoder struct {
	sc   *bufio.Scanner
	line int
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxMessageSize)
	return &Decoder{sc: sc}
}

// Line is the number of the line last read.
func (d *Decoder) Line() int { return d.line }

// Decode reads the next record into v. A malformed line yields a
// *LineError and the following call moves on to the next line. Decode
// returns io.EOF once the input is exhausted.
func (d *Decoder) Decode(v any) error {
	for d.sc.Scan() {
		d.line++
		data := d.sc.Bytes()
		if len(data) == 0 {
			continue
		}
		if err := json.Unmarshal(data, v); err != nil {
			return &LineError{Line: d.line, Err: err}
		}
		return nil
	}
	if err := d.sc.Err(); err != nil {
		return fmt.Errorf("failed to read line %d: %w", d.line+1, err)
	}
	return io.EOF
}

// IsLineError reports whether err came from a malformed line rather than
// from reading the input.
func IsLineError(err error) bool {
	var le *LineError
	return errors.As(err, &le)
}
