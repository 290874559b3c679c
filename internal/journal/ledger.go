package journal

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/iambrandonn/satto/internal/ndjson"
	"github.com/iambrandonn/satto/internal/protocol"
)

// Ledger is a parsed journal.
type Ledger struct {
	Records []Record
}

type actionID struct {
	turnKey string
	index   int
}

// ReadLedger reads the journal at path. A missing file is an empty ledger.
// A torn final line, left by a crash mid-append, is ignored; a bad line
// followed by good ones is corruption.
func ReadLedger(path string) (*Ledger, error) {
	ledger := &Ledger{Records: make([]Record, 0)}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ledger, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	dec := ndjson.NewDecoder(file)
	var badErr error
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if badErr != nil {
			return nil, protocol.NewError(protocol.KindStoreCorrupt, "journal", "journal is corrupt", badErr)
		}
		if err != nil {
			if !ndjson.IsLineError(err) {
				return nil, fmt.Errorf("error reading journal: %w", err)
			}
			badErr = err
			continue
		}
		ledger.Records = append(ledger.Records, rec)
	}

	return ledger, nil
}

// finished maps each action to its finished record.
func (l *Ledger) finished() map[actionID]Record {
	out := make(map[actionID]Record)
	for _, rec := range l.Records {
		if rec.Type == ActionFinished {
			out[actionID{rec.TurnKey, rec.Index}] = rec
		}
	}
	return out
}

// Finished returns the finished record of an action.
func (l *Ledger) Finished(turnKey string, index int) (Record, bool) {
	rec, ok := l.finished()[actionID{turnKey, index}]
	return rec, ok
}

// HasStarted reports whether the action was ever started.
func (l *Ledger) HasStarted(turnKey string, index int) bool {
	for _, rec := range l.Records {
		if rec.Type == ActionStarted && rec.TurnKey == turnKey && rec.Index == index {
			return true
		}
	}
	return false
}

// Interrupted returns the started records of a turn that have no finished
// record, in journal order.
func (l *Ledger) Interrupted(turnKey string) []Record {
	done := l.finished()
	out := make([]Record, 0)
	seen := make(map[actionID]bool)
	for _, rec := range l.Records {
		if rec.Type != ActionStarted || rec.TurnKey != turnKey {
			continue
		}
		id := actionID{rec.TurnKey, rec.Index}
		if _, ok := done[id]; ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, rec)
	}
	return out
}
