// Package dispatch routes decoded AgentX requests to the registry, the
// set-transaction coordinator and the session manager, and builds the
// responses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/registry"
	"github.com/geekxflood/proteus/internal/retry"
	"github.com/geekxflood/proteus/internal/session"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/txn"
	"github.com/geekxflood/proteus/internal/types"
)

// Observer receives dispatch measurements.
type Observer interface {
	ObserveRequest(kind string, status int, varbinds []types.Varbind, elapsed time.Duration)
	ObserveLockRetry()
	ObserveTest(elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int, []types.Varbind, time.Duration) {}
func (nopObserver) ObserveLockRetry()                                          {}
func (nopObserver) ObserveTest(time.Duration)                                  {}

// Sessions is the part of the session manager used by the dispatcher.
type Sessions interface {
	Check(sessionID uint32) error
	RegisterTable(ctx context.Context, reg *registry.Registration) error
	BeginUnregisterTable(base types.OID) (<-chan error, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context, reason session.CloseReason) error
}

// Dispatcher answers AgentX requests for the registered tables.
type Dispatcher struct {
	registry       *registry.Registry
	coord          *txn.Coordinator
	sessions       Sessions
	retryer        *retry.Retryer
	observer       Observer
	logger         logging.Logger
	maxRepetitions int
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithObserver sets the observer receiving request measurements.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// New creates a dispatcher. SET tests that fail on row contention are
// retried as configured under "retry"; GetBulk repetitions are capped by
// "agentx.max_repetitions".
func New(cfg config.Provider, reg *registry.Registry, coord *txn.Coordinator, sessions Sessions, logger logging.Logger, opts ...Option) (*Dispatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	retryer, err := retry.NewRetryer(cfg, "retry", retry.On(types.ErrResourceUnavailable))
	if err != nil {
		return nil, fmt.Errorf("failed to create retryer: %w", err)
	}

	maxRepetitions := 64
	if n, err := cfg.GetInt("agentx.max_repetitions", maxRepetitions); err == nil && n > 0 {
		maxRepetitions = n
	}

	d := &Dispatcher{
		registry:       reg,
		coord:          coord,
		sessions:       sessions,
		retryer:        retryer,
		observer:       nopObserver{},
		logger:         logger.With("component", "dispatch"),
		maxRepetitions: maxRepetitions,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch handles one request. The response always echoes the request,
// session and transaction IDs. Protocol-level failures are reported in the
// response's Error and Index; the returned error is non-nil only when the
// session is not open (types.ErrSessionClosed) or an undo failed
// (types.ErrGenerationError), both of which end the session.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp := &Response{
		RequestID:     req.RequestID,
		SessionID:     req.SessionID,
		TransactionID: req.TransactionID,
	}

	if err := d.sessions.Check(req.SessionID); err != nil {
		resp.Error = types.ErrorStatusNotOpen
		d.observer.ObserveRequest(req.Kind.String(), resp.Error, nil, time.Since(start))
		return resp, err
	}

	var err error
	switch req.Kind {
	case KindGet:
		resp.VarBinds = d.Get(req.Ranges)
	case KindGetNext:
		resp.VarBinds = d.GetNext(req.Ranges)
	case KindGetBulk:
		resp.VarBinds = d.GetBulk(req.Ranges, req.NonRepeaters, req.MaxRepetitions)
	case KindTestSet:
		err = d.testSet(ctx, req)
	case KindCommitSet:
		err = d.coord.Commit(ctx, req.SessionID, req.TransactionID)
	case KindUndoSet:
		err = d.coord.Undo(ctx, req.SessionID, req.TransactionID)
	case KindCleanupSet:
		err = d.coord.Cleanup(ctx, req.SessionID, req.TransactionID)
	case KindRegister:
		if req.Registration == nil {
			err = fmt.Errorf("register request without registration")
		} else {
			err = d.sessions.RegisterTable(ctx, req.Registration)
		}
	case KindUnregister:
		// answered at once; the table is withdrawn after its in-flight
		// transactions are cleaned up, which needs this loop to keep going
		_, err = d.sessions.BeginUnregisterTable(req.Subtree)
	case KindPing:
		err = d.sessions.Ping(ctx)
	case KindClose:
		err = d.sessions.Close(ctx, req.Reason)
	default:
		resp.Error = types.ErrorStatusProcessingError
		d.logger.Warn("Unknown request kind", "kind", int(req.Kind), "request_id", req.RequestID)
	}

	var fatal error
	if err != nil {
		resp.Error = types.StatusOf(err)
		resp.Index = types.ErrorIndexOf(err)
		d.logger.Debug("Request failed",
			"kind", req.Kind.String(),
			"request_id", req.RequestID,
			"status", types.ErrorStatusName(resp.Error),
			"index", resp.Index,
			"error", err)

		switch {
		case errors.Is(err, types.ErrGenerationError):
			d.logger.Error("Undo failed, closing session",
				"session_id", req.SessionID,
				"transaction_id", req.TransactionID,
				"error", err)
			if closeErr := d.sessions.Close(ctx, session.ReasonOther); closeErr != nil {
				d.logger.Error("Failed to close session", "error", closeErr)
			}
			resp.Error = types.ErrorStatusUndoFailed
			fatal = err
		case errors.Is(err, types.ErrSessionClosed):
			fatal = err
		}
	}

	d.observer.ObserveRequest(req.Kind.String(), resp.Error, resp.VarBinds, time.Since(start))
	return resp, fatal
}

func (d *Dispatcher) testSet(ctx context.Context, req *Request) error {
	start := time.Now()
	defer func() {
		d.observer.ObserveTest(time.Since(start))
	}()

	result := d.retryer.Retry(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			d.observer.ObserveLockRetry()
			d.logger.Debug("Retrying set test after contention",
				"transaction_id", req.TransactionID,
				"attempt", attempt)
		}
		return d.coord.Test(ctx, req.SessionID, req.TransactionID, req.VarBinds)
	})
	if result.Success {
		return nil
	}
	return result.LastError
}

// Get answers one varbind per range for the exact instance at each range's
// start: its value, noSuchObject when no readable object exists there, or
// noSuchInstance when the object exists but the row or value does not.
func (d *Dispatcher) Get(ranges []SearchRange) []types.Varbind {
	out := make([]types.Varbind, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, d.get(r.Start))
	}
	return out
}

func (d *Dispatcher) get(oid types.OID) types.Varbind {
	reg, ok := d.registry.FindByPrefix(oid)
	if !ok || len(oid) <= len(reg.Base()) {
		return types.Exception(oid, types.TypeNoSuchObject)
	}

	schema := reg.Schema
	column := oid[len(reg.Base())]
	col, ok := schema.Column(column)
	if !ok || !col.Access.Readable() {
		return types.Exception(oid, types.TypeNoSuchObject)
	}

	row, ok := reg.Store.Get(index.KeyOf(oid[len(reg.Base())+1:]))
	if !ok {
		return types.Exception(oid, types.TypeNoSuchInstance)
	}
	v, ok := row.Get(column)
	if !ok {
		return types.Exception(oid, types.TypeNoSuchInstance)
	}
	return types.NewVarbind(oid, v)
}

// GetNext answers, for each range, the first instance in OID order after the
// range start (or at it when Include is set) and before the range end, or
// endOfMibView at the range start.
func (d *Dispatcher) GetNext(ranges []SearchRange) []types.Varbind {
	out := make([]types.Varbind, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, d.next(r))
	}
	return out
}

// GetBulk answers the first nonRepeaters ranges like GetNext and then walks
// the remaining ranges maxRepetitions times, repetition by repetition. The
// walk stops early once every repeater has reached endOfMibView.
func (d *Dispatcher) GetBulk(ranges []SearchRange, nonRepeaters, maxRepetitions int) []types.Varbind {
	if nonRepeaters < 0 {
		nonRepeaters = 0
	}
	if nonRepeaters > len(ranges) {
		nonRepeaters = len(ranges)
	}
	if maxRepetitions > d.maxRepetitions {
		maxRepetitions = d.maxRepetitions
	}

	out := d.GetNext(ranges[:nonRepeaters])

	repeaters := append([]SearchRange(nil), ranges[nonRepeaters:]...)
	for rep := 0; rep < maxRepetitions && len(repeaters) > 0; rep++ {
		done := 0
		for i, r := range repeaters {
			vb := d.next(r)
			out = append(out, vb)
			if vb.Type == types.TypeEndOfMibView {
				done++
				continue
			}
			repeaters[i] = SearchRange{Start: vb.OID, End: r.End}
		}
		if done == len(repeaters) {
			break
		}
	}
	return out
}

// next resolves one GetNext search range across registrations. Nested
// registrations take precedence inside their subtree: a candidate from an
// enclosing table that lies at or past the next registered base is deferred
// until that subtree has been searched.
func (d *Dispatcher) next(r SearchRange) types.Varbind {
	cur, include := r.Start, r.Include

	for {
		nextReg, hasNext := d.registry.NextAfter(cur)

		reg, ok := d.registry.FindByPrefix(cur)
		if !ok {
			if !hasNext {
				break
			}
			cur, include = nextReg.Base(), true
			continue
		}

		oid, v, found := successor(reg, cur, include)
		if found && (!hasNext || oid.Compare(nextReg.Base()) < 0) {
			if len(r.End) > 0 && oid.Compare(r.End) >= 0 {
				break
			}
			return types.NewVarbind(oid, v)
		}

		if hasNext && (found || nextReg.Base().HasPrefix(reg.Base())) {
			cur, include = nextReg.Base(), true
			continue
		}

		after, ok := subtreeEnd(reg.Base())
		if !ok {
			break
		}
		if hasNext && nextReg.Base().Compare(after) < 0 {
			after = nextReg.Base()
		}
		cur, include = after, true
	}

	return types.Exception(r.Start, types.TypeEndOfMibView)
}

// successor returns the first readable instance of reg after cur (or at cur
// when include is set). Instances are ordered by column, then row index.
func successor(reg *registry.Registration, cur types.OID, include bool) (types.OID, types.Value, bool) {
	schema := reg.Schema
	rel := cur[len(reg.Base()):]

	after := uint32(0)
	if len(rel) > 0 {
		if col, ok := schema.Column(rel[0]); ok && col.Access.Readable() {
			suffix := rel[1:]
			var row *table.Row
			var found bool
			switch {
			case len(suffix) == 0:
				row, found = reg.Store.First()
			case include:
				if row, found = reg.Store.Get(index.KeyOf(suffix)); !found {
					row, found = reg.Store.GetNext(index.KeyOf(suffix))
				}
			default:
				row, found = reg.Store.GetNext(index.KeyOf(suffix))
			}
			if oid, v, ok := firstValue(reg, col.ID, row, found); ok {
				return oid, v, true
			}
		}
		after = rel[0]
	}

	for {
		col, ok := schema.NextReadable(after)
		if !ok {
			return nil, types.Value{}, false
		}
		row, found := reg.Store.First()
		if oid, v, ok := firstValue(reg, col.ID, row, found); ok {
			return oid, v, true
		}
		after = col.ID
	}
}

// firstValue walks rows from row on and returns the first one carrying a
// value for column.
func firstValue(reg *registry.Registration, column uint32, row *table.Row, found bool) (types.OID, types.Value, bool) {
	for found {
		if v, ok := row.Get(column); ok {
			return reg.Schema.InstanceOID(column, row.Suffix()), v, true
		}
		row, found = reg.Store.GetNext(row.Key())
	}
	return nil, types.Value{}, false
}

// subtreeEnd returns the smallest OID greater than every OID under base.
func subtreeEnd(base types.OID) (types.OID, bool) {
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] < math.MaxUint32 {
			out := base[:i+1].Clone()
			out[i]++
			return out, true
		}
	}
	return nil, false
}
