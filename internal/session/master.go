package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/geekxflood/proteus/internal/types"
)

// CloseReason is the reason code of an AgentX Close PDU.
type CloseReason int

const (
	ReasonOther         CloseReason = 1
	ReasonParseError    CloseReason = 2
	ReasonProtocolError CloseReason = 3
	ReasonTimeouts      CloseReason = 4
	ReasonShutdown      CloseReason = 5
	ReasonByManager     CloseReason = 6
)

// String returns the string representation of a close reason
func (r CloseReason) String() string {
	switch r {
	case ReasonOther:
		return "other"
	case ReasonParseError:
		return "parseError"
	case ReasonProtocolError:
		return "protocolError"
	case ReasonTimeouts:
		return "timeouts"
	case ReasonShutdown:
		return "shutdown"
	case ReasonByManager:
		return "byManager"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// OpenRequest carries the fields of an AgentX Open PDU.
type OpenRequest struct {
	ID          types.OID
	Description string
	Timeout     time.Duration
}

// Subtree is a registration as announced to the master agent.
type Subtree struct {
	OID      types.OID
	Priority int
	Timeout  time.Duration
}

// Master is the master-agent side of an AgentX session. Implementations own
// the transport and the PDU encoding; the Manager owns retries and state.
type Master interface {
	Open(ctx context.Context, req OpenRequest) (uint32, error)
	Register(ctx context.Context, sessionID uint32, subtree Subtree) error
	Unregister(ctx context.Context, sessionID uint32, subtree Subtree) error
	Ping(ctx context.Context, sessionID uint32) error
	Close(ctx context.Context, sessionID uint32, reason CloseReason) error
}

// Loopback is an in-process Master. It keeps sessions and registrations in
// memory and lets callers inject failures.
type Loopback struct {
	mu        sync.Mutex
	nextID    uint32
	sessions  map[uint32]OpenRequest
	subtrees  map[string]uint32
	openErr   error
	pingErr   error
	pingCalls int
}

// NewLoopback creates an empty loopback master.
func NewLoopback() *Loopback {
	return &Loopback{
		sessions: make(map[uint32]OpenRequest),
		subtrees: make(map[string]uint32),
	}
}

// SetOpenError makes subsequent Open calls fail with err (nil to clear).
func (l *Loopback) SetOpenError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openErr = err
}

// SetPingError makes subsequent Ping calls fail with err (nil to clear).
func (l *Loopback) SetPingError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pingErr = err
}

func (l *Loopback) Open(ctx context.Context, req OpenRequest) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.openErr != nil {
		return 0, l.openErr
	}
	l.nextID++
	l.sessions[l.nextID] = req
	return l.nextID, nil
}

func (l *Loopback) Register(ctx context.Context, sessionID uint32, subtree Subtree) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sessions[sessionID]; !ok {
		return fmt.Errorf("session %d: %w", sessionID, types.ErrSessionClosed)
	}
	key := subtreeKey(subtree)
	if owner, taken := l.subtrees[key]; taken && owner != sessionID {
		return fmt.Errorf("subtree %s: %w", subtree.OID, types.ErrDuplicateRegistration)
	}
	l.subtrees[key] = sessionID
	return nil
}

func (l *Loopback) Unregister(ctx context.Context, sessionID uint32, subtree Subtree) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sessions[sessionID]; !ok {
		return fmt.Errorf("session %d: %w", sessionID, types.ErrSessionClosed)
	}
	key := subtreeKey(subtree)
	if owner, ok := l.subtrees[key]; !ok || owner != sessionID {
		return fmt.Errorf("subtree %s: %w", subtree.OID, types.ErrUnknownRegistration)
	}
	delete(l.subtrees, key)
	return nil
}

func (l *Loopback) Ping(ctx context.Context, sessionID uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pingCalls++
	if l.pingErr != nil {
		return l.pingErr
	}
	if _, ok := l.sessions[sessionID]; !ok {
		return fmt.Errorf("session %d: %w", sessionID, types.ErrSessionClosed)
	}
	return nil
}

func (l *Loopback) Close(ctx context.Context, sessionID uint32, reason CloseReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sessions[sessionID]; !ok {
		return fmt.Errorf("session %d: %w", sessionID, types.ErrSessionClosed)
	}
	delete(l.sessions, sessionID)
	for key, owner := range l.subtrees {
		if owner == sessionID {
			delete(l.subtrees, key)
		}
	}
	return nil
}

// Subtrees returns the registered subtrees, sorted.
func (l *Loopback) Subtrees() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.subtrees))
	for key := range l.subtrees {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Sessions returns the number of open sessions.
func (l *Loopback) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// PingCalls returns the number of Ping calls received.
func (l *Loopback) PingCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pingCalls
}

func subtreeKey(s Subtree) string {
	return s.OID.String()
}
