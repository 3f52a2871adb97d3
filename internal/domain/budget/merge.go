package budget

import "time"

// DeferFunc reports whether an incoming server change for ref must be held
// back instead of merged.
type DeferFunc func(ref EntityRef) bool

// MergeReport summarises the effect of a merge.
type MergeReport struct {
	Applied  int
	Deferred []EntityRef
	Dropped  int
	Skipped  bool
}

// ApplyDelta merges d into base and returns the result. base is not
// modified. Entities are keyed by identifier and server values overwrite
// local ones, except where deferred says an operation is outstanding; those
// are buffered in Deferred. A delta that is not newer than the stored cursor
// is ignored, so applying the same delta twice is a no-op.
func ApplyDelta(base *Snapshot, d *Delta, deferred DeferFunc, now time.Time) (*Snapshot, MergeReport) {
	var report MergeReport
	if base.HasCursor() && d.ServerKnowledge <= base.ServerKnowledge {
		report.Skipped = true
		return base, report
	}
	if deferred == nil {
		deferred = func(EntityRef) bool { return false }
	}

	out := base.Clone()
	if d.Budget != nil {
		out.Budget.Name = d.Budget.Name
		out.Budget.LastModifiedOn = d.Budget.LastModifiedOn
		if d.Budget.CurrencyISOCode != "" {
			out.Budget.CurrencyISOCode = d.Budget.CurrencyISOCode
		}
	}

	for _, a := range d.Accounts {
		out.Accounts[a.ID] = a
		report.Applied++
	}
	for _, g := range d.CategoryGroups {
		out.CategoryGroups[g.ID] = g
		report.Applied++
	}
	for _, c := range d.Categories {
		out.Categories[c.ID] = c
		report.Applied++
	}
	for _, p := range d.Payees {
		out.Payees[p.ID] = p
		report.Applied++
	}
	for _, a := range d.Allocations {
		ref := AllocationRef(a.Key())
		if deferred(ref) {
			alloc := a
			out.buffer(ref, DeferredChange{Allocation: &alloc, ServerKnowledge: d.ServerKnowledge, ReceivedAt: now})
			report.Deferred = append(report.Deferred, ref)
			continue
		}
		out.Allocations[a.Key()] = a
		report.Applied++
	}
	for _, t := range d.Transactions {
		ref := TransactionRef(t.ID)
		if deferred(ref) {
			txn := t.Clone()
			out.buffer(ref, DeferredChange{Transaction: &txn, ServerKnowledge: d.ServerKnowledge, ReceivedAt: now})
			report.Deferred = append(report.Deferred, ref)
			continue
		}
		out.Transactions[t.ID] = t.Clone()
		report.Applied++
	}

	if d.ServerKnowledge > out.ServerKnowledge {
		out.ServerKnowledge = d.ServerKnowledge
	}
	out.FetchedAt = now
	return out, report
}

// ReplaceFull builds the snapshot that results from a full fetch. The
// fetched snapshot replaces base entirely and soft-deleted entities are
// purged. Entities with outstanding operations keep their previous base
// value and the fetched value is buffered instead. An entity that vanished
// from the server is buffered as deleted.
func ReplaceFull(base, full *Snapshot, deferred DeferFunc, now time.Time) (*Snapshot, MergeReport) {
	var report MergeReport
	if deferred == nil {
		deferred = func(EntityRef) bool { return false }
	}

	out := full.Clone()
	out.Deferred = make(map[EntityRef]DeferredChange)
	out.FetchedAt = now
	if out.Budget.ID == "" && base != nil {
		out.Budget.ID = base.Budget.ID
	}

	purgeDeleted(out, &report)

	for id, t := range full.Transactions {
		ref := TransactionRef(id)
		if !deferred(ref) {
			continue
		}
		txn := t.Clone()
		out.buffer(ref, DeferredChange{Transaction: &txn, ServerKnowledge: full.ServerKnowledge, ReceivedAt: now})
		report.Deferred = append(report.Deferred, ref)
		if prev, ok := baseTransaction(base, id); ok {
			out.Transactions[id] = prev
		} else {
			delete(out.Transactions, id)
		}
	}
	for key, a := range full.Allocations {
		ref := AllocationRef(key)
		if !deferred(ref) {
			continue
		}
		alloc := a
		out.buffer(ref, DeferredChange{Allocation: &alloc, ServerKnowledge: full.ServerKnowledge, ReceivedAt: now})
		report.Deferred = append(report.Deferred, ref)
		if base != nil {
			if prev, ok := base.Allocations[key]; ok {
				out.Allocations[key] = prev
			}
		}
	}

	// Entities the server no longer returns but a local op still targets.
	if base != nil {
		for id, prev := range base.Transactions {
			if id.IsTemporary() {
				continue
			}
			if _, ok := full.Transactions[id]; ok {
				continue
			}
			ref := TransactionRef(id)
			if !deferred(ref) {
				continue
			}
			gone := prev.Clone()
			gone.Deleted = true
			out.Transactions[id] = prev.Clone()
			out.buffer(ref, DeferredChange{Transaction: &gone, ServerKnowledge: full.ServerKnowledge, ReceivedAt: now})
			report.Deferred = append(report.Deferred, ref)
		}
	}

	report.Applied = len(out.Accounts) + len(out.CategoryGroups) + len(out.Categories) +
		len(out.Allocations) + len(out.Payees) + len(out.Transactions)
	return out, report
}

// PruneTemporary removes transactions carrying temporary ids that no
// pending create still refers to. Such entries are left behind when the
// process stops between confirming a create and saving the snapshot; the
// next delta brings back the server copy.
func PruneTemporary(s *Snapshot, ops []Operation) (*Snapshot, int) {
	live := make(map[ID]bool)
	for _, op := range ops {
		if op.Target.IsTemporary() {
			live[op.Target] = true
		}
	}
	var stale []ID
	for id := range s.Transactions {
		if id.IsTemporary() && !live[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return s, 0
	}
	out := s.Clone()
	for _, id := range stale {
		delete(out.Transactions, id)
	}
	return out, len(stale)
}

// TakeDeferred removes and returns the buffered change for ref.
func (s *Snapshot) TakeDeferred(ref EntityRef) (DeferredChange, bool) {
	d, ok := s.Deferred[ref]
	if ok {
		delete(s.Deferred, ref)
	}
	return d, ok
}

// PutTransaction stores t under its id, removing the entry under previous
// when the id changed from temporary to server.
func (s *Snapshot) PutTransaction(previous ID, t Transaction) {
	if previous != t.ID {
		delete(s.Transactions, previous)
	}
	s.Transactions[t.ID] = t.Clone()
}

// PutAllocation stores a under its key.
func (s *Snapshot) PutAllocation(a Allocation) {
	s.Allocations[a.Key()] = a
}

// ApplyDeferred writes a buffered change into the snapshot.
func (s *Snapshot) ApplyDeferred(d DeferredChange) {
	if d.Transaction != nil {
		s.Transactions[d.Transaction.ID] = d.Transaction.Clone()
	}
	if d.Allocation != nil {
		s.Allocations[d.Allocation.Key()] = *d.Allocation
	}
}

func (s *Snapshot) buffer(ref EntityRef, d DeferredChange) {
	if prev, ok := s.Deferred[ref]; ok && prev.ServerKnowledge > d.ServerKnowledge {
		return
	}
	s.Deferred[ref] = d
}

func baseTransaction(base *Snapshot, id ID) (Transaction, bool) {
	if base == nil {
		return Transaction{}, false
	}
	t, ok := base.Transactions[id]
	if !ok {
		return Transaction{}, false
	}
	return t.Clone(), true
}

func purgeDeleted(s *Snapshot, report *MergeReport) {
	for id, a := range s.Accounts {
		if a.Deleted {
			delete(s.Accounts, id)
			report.Dropped++
		}
	}
	for id, g := range s.CategoryGroups {
		if g.Deleted {
			delete(s.CategoryGroups, id)
			report.Dropped++
		}
	}
	for id, c := range s.Categories {
		if c.Deleted {
			delete(s.Categories, id)
			report.Dropped++
		}
	}
	for key, a := range s.Allocations {
		if a.Deleted {
			delete(s.Allocations, key)
			report.Dropped++
		}
	}
	for id, p := range s.Payees {
		if p.Deleted {
			delete(s.Payees, id)
			report.Dropped++
		}
	}
	for id, t := range s.Transactions {
		if t.Deleted || id.IsTemporary() {
			delete(s.Transactions, id)
			report.Dropped++
		}
	}
}
