// Package resolver decides what happens when a server delta and a pending
// local operation target the same entity.
//
// The policy is deliberately coarse. While an operation is outstanding the
// local change is authoritative and the server's version is buffered. Once
// the operation ends, exactly one of the two versions becomes the cached
// state and the other is reported. Field values are never merged.
package resolver

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// Decision is the outcome for an incoming server change.
type Decision int

const (
	// DecisionApply means the server value overwrites the cached entity.
	DecisionApply Decision = iota

	// DecisionDefer means a local operation is outstanding; the server
	// value is buffered until the operation is confirmed or fails.
	DecisionDefer
)

// Resolution is what the caller must do once an operation terminates.
type Resolution struct {
	// Apply is written into the cached base snapshot, if set.
	Apply *budget.DeferredChange

	// Keep stays buffered because later operations on the same entity are
	// still outstanding.
	Keep *budget.DeferredChange

	// Discarded is a buffered server value that turned out to be older
	// than the confirmed write.
	Discarded *budget.DeferredChange

	// Notice is raised to the user, if set.
	Notice *budget.Notice
}

// Outstanding counts pending operations per entity.
type Outstanding map[budget.EntityRef]int

// Index builds the outstanding set for ops.
func Index(ops []budget.Operation) Outstanding {
	out := make(Outstanding, len(ops))
	for _, op := range ops {
		out[op.Ref()]++
	}
	return out
}

// Resolver produces decisions and notices. It holds no state of its own.
type Resolver struct {
	now   func() time.Time
	newID func() string
}

// New creates a resolver using the wall clock and random notice ids.
func New() *Resolver {
	return &Resolver{now: time.Now, newID: uuid.NewString}
}

// WithClock returns a copy of r that reads time from now.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	c := *r
	c.now = now
	return &c
}

// OnDelta decides whether an incoming server change for ref may be merged.
func (r *Resolver) OnDelta(ref budget.EntityRef, outstanding Outstanding) Decision {
	if outstanding[ref] > 0 {
		return DecisionDefer
	}
	return DecisionApply
}

// DeferFunc adapts OnDelta for budget.ApplyDelta and budget.ReplaceFull.
func (r *Resolver) DeferFunc(outstanding Outstanding) budget.DeferFunc {
	return func(ref budget.EntityRef) bool {
		return r.OnDelta(ref, outstanding) == DecisionDefer
	}
}

// OnConfirmed resolves an operation the server accepted. confirmed holds
// the server's copy of the entity and the knowledge of the mutation
// response. deferred is the buffered delta for the entity, if any.
// laterPending reports whether more operations on the entity remain.
func (r *Resolver) OnConfirmed(op budget.Operation, confirmed budget.DeferredChange, deferred *budget.DeferredChange, laterPending bool) Resolution {
	res := Resolution{Apply: &confirmed}
	if deferred == nil {
		return res
	}

	newer := confirmed.ServerKnowledge > 0 && deferred.ServerKnowledge > confirmed.ServerKnowledge
	if !newer {
		res.Discarded = deferred
		return res
	}
	if laterPending {
		res.Keep = deferred
		return res
	}

	// The server changed the entity again after accepting the write.
	res.Apply = deferred
	res.Notice = r.notice(op, budget.NoticeSuperseded,
		"the server changed this entry after your edit was saved; the server's version is shown", deferred)
	return res
}

// OnFailed resolves an operation that will not be delivered. current is the
// cached base value of the entity, reported when nothing was buffered.
func (r *Resolver) OnFailed(op budget.Operation, kind budget.NoticeKind, cause error, deferred, current *budget.DeferredChange, laterPending bool) Resolution {
	var res Resolution
	counter := current
	if deferred != nil {
		counter = deferred
		if laterPending {
			res.Keep = deferred
		} else {
			res.Apply = deferred
		}
	}
	res.Notice = r.notice(op, kind, reason(kind, cause), counter)
	return res
}

// LogLost raises the warning for an unreadable pending operation log.
func (r *Resolver) LogLost(budgetID string, cause error) *budget.Notice {
	return &budget.Notice{
		ID:       r.newID(),
		BudgetID: budgetID,
		Kind:     budget.NoticeLogLost,
		Reason:   "the pending change log could not be read; unsent local edits may be lost (" + cause.Error() + ")",
		RaisedAt: r.now(),
	}
}

// CacheReset reports that the cached snapshot was discarded.
func (r *Resolver) CacheReset(budgetID string, cause error) *budget.Notice {
	return &budget.Notice{
		ID:       r.newID(),
		BudgetID: budgetID,
		Kind:     budget.NoticeCacheReset,
		Reason:   "the local cache could not be read and was rebuilt from the server (" + cause.Error() + ")",
		RaisedAt: r.now(),
	}
}

func (r *Resolver) notice(op budget.Operation, kind budget.NoticeKind, why string, counter *budget.DeferredChange) *budget.Notice {
	n := &budget.Notice{
		ID:         r.newID(),
		BudgetID:   op.BudgetID,
		Kind:       kind,
		EntityKind: op.Entity,
		EntityID:   op.Ref().Key,
		OpKind:     op.Kind,
		Requested:  requested(op),
		Reason:     why,
		RaisedAt:   r.now(),
	}
	if counter != nil {
		n.ServerState = serverState(counter)
	}
	return n
}

func reason(kind budget.NoticeKind, cause error) string {
	var rejected *budget.RejectedError
	switch {
	case kind == budget.NoticeCascade:
		return "an earlier change to this entry failed, so this change could not be sent"
	case kind == budget.NoticeRetryExhausted:
		return "gave up after repeated delivery failures: " + errString(cause)
	case errors.As(cause, &rejected) && rejected.Detail != "":
		return "the server refused this change: " + rejected.Detail
	default:
		return "the server refused this change: " + errString(cause)
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func requested(op budget.Operation) json.RawMessage {
	var v any
	switch {
	case op.Transaction != nil:
		v = op.Transaction
	case op.Allocation != nil:
		v = op.Allocation
	default:
		v = map[string]string{"id": op.Target.String()}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func serverState(d *budget.DeferredChange) json.RawMessage {
	var v any
	switch {
	case d.Transaction != nil:
		v = d.Transaction
	case d.Allocation != nil:
		v = d.Allocation
	default:
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
