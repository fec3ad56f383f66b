package dispatch

import (
	"fmt"

	"github.com/geekxflood/proteus/internal/registry"
	"github.com/geekxflood/proteus/internal/session"
	"github.com/geekxflood/proteus/internal/types"
)

// Kind is the kind of a decoded AgentX request.
type Kind int

const (
	KindGet Kind = iota + 1
	KindGetNext
	KindGetBulk
	KindTestSet
	KindCommitSet
	KindUndoSet
	KindCleanupSet
	KindRegister
	KindUnregister
	KindPing
	KindClose
)

// String returns the string representation of a request kind
func (k Kind) String() string {
	switch k {
	case KindGet:
		return "get"
	case KindGetNext:
		return "get_next"
	case KindGetBulk:
		return "get_bulk"
	case KindTestSet:
		return "test_set"
	case KindCommitSet:
		return "commit_set"
	case KindUndoSet:
		return "undo_set"
	case KindCleanupSet:
		return "cleanup_set"
	case KindRegister:
		return "register"
	case KindUnregister:
		return "unregister"
	case KindPing:
		return "ping"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// SearchRange is an AgentX search range. End is exclusive; an empty End
// leaves the range unbounded. Include makes Start itself eligible.
type SearchRange struct {
	Start   types.OID `json:"start"`
	End     types.OID `json:"end,omitempty"`
	Include bool      `json:"include"`
}

// Request is a decoded AgentX request.
type Request struct {
	Kind          Kind
	SessionID     uint32
	TransactionID uint32
	RequestID     uint32

	// Ranges are the search ranges of Get, GetNext and GetBulk. Get only
	// uses Start.
	Ranges         []SearchRange
	NonRepeaters   int
	MaxRepetitions int

	// VarBinds are the varbinds of TestSet.
	VarBinds []types.Varbind

	// Registration is the table of a Register request, Subtree the base
	// OID of an Unregister request.
	Registration *registry.Registration
	Subtree      types.OID

	Reason session.CloseReason
}

// Response is the answer to a Request. Error and Index follow the AgentX
// Response PDU: Index is the 1-based varbind index the error refers to.
type Response struct {
	RequestID     uint32
	SessionID     uint32
	TransactionID uint32
	Error         int
	Index         int
	VarBinds      []types.Varbind
}
