package txn

import (
	"fmt"
	"time"

	"github.com/geekxflood/proteus/internal/types"
)

// State is the lifecycle state of a SET transaction.
type State int

const (
	StateIdle State = iota
	StateTesting
	StateTestFailed
	StateCommitPending
	StateCommitted
	StateUndonePending
	StateUndone
	StateCleaned
)

// String returns the string representation of a transaction state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTesting:
		return "testing"
	case StateTestFailed:
		return "test_failed"
	case StateCommitPending:
		return "commit_pending"
	case StateCommitted:
		return "committed"
	case StateUndonePending:
		return "undone_pending"
	case StateUndone:
		return "undone"
	case StateCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ID identifies a transaction within the sub-agent.
type ID struct {
	SessionID     uint32
	TransactionID uint32
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%d", id.SessionID, id.TransactionID)
}

// Outcome summarizes a finished transaction. It is handed to the Recorder
// when the transaction is cleaned up.
type Outcome struct {
	ID       ID
	State    State
	Status   int
	Index    int
	VarBinds []types.Varbind
	Started  time.Time
	Finished time.Time
}

// Recorder receives transaction outcomes, e.g. an audit journal.
type Recorder interface {
	Record(outcome Outcome)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(outcome Outcome)

func (f RecorderFunc) Record(outcome Outcome) {
	f(outcome)
}

// MultiRecorder fans outcomes out to several recorders. Nil recorders are
// skipped.
func MultiRecorder(recorders ...Recorder) Recorder {
	var rs []Recorder
	for _, r := range recorders {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return RecorderFunc(func(outcome Outcome) {
		for _, r := range rs {
			r.Record(outcome)
		}
	})
}
