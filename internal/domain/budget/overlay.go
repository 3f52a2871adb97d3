package budget

// Overlay returns base with the optimistic effect of ops applied in order.
// base is not modified. The result is what the user sees until the
// operations are confirmed or fail.
func Overlay(base *Snapshot, ops []Operation) *Snapshot {
	out := base.Clone()
	for _, op := range ops {
		out.applyOperation(op)
	}
	return out
}

func (s *Snapshot) applyOperation(op Operation) {
	switch op.Entity {
	case EntityTransaction:
		s.applyTransactionOp(op)
	case EntityAllocation:
		s.applyAllocationOp(op)
	}
}

func (s *Snapshot) applyTransactionOp(op Operation) {
	old, had := s.Transactions[op.Target]
	if had && !old.Deleted {
		s.adjustActivity(old, -1)
	}

	switch op.Kind {
	case OpCreate, OpUpdate:
		if op.Transaction == nil {
			return
		}
		next := op.Transaction.Clone()
		next.ID = op.Target
		next.Deleted = false
		s.Transactions[op.Target] = next
		s.adjustActivity(next, 1)
	case OpDelete:
		if !had {
			return
		}
		old.Deleted = true
		s.Transactions[op.Target] = old
	}
}

func (s *Snapshot) applyAllocationOp(op Operation) {
	if op.Allocation == nil {
		return
	}
	key := op.Allocation.Key()
	a, ok := s.Allocations[key]
	if !ok {
		a = Allocation{CategoryID: key.CategoryID, Month: key.Month}
	}
	diff := op.Budgeted() - a.Budgeted
	a.Budgeted += diff
	a.Balance += diff
	a.Deleted = false
	if c, ok := s.Categories[key.CategoryID]; ok && c.GoalType != "" {
		a.GoalUnderFunded -= diff
		if a.GoalUnderFunded < 0 {
			a.GoalUnderFunded = 0
		}
	}
	s.Allocations[key] = a
}

// adjustActivity adds sign times the categorized amounts of t to the
// activity and balance of the matching allocations.
func (s *Snapshot) adjustActivity(t Transaction, sign Milliunits) {
	month := t.Month()
	if month == "" {
		return
	}
	if t.IsSplit() {
		for _, sub := range t.Subtransactions {
			s.addActivity(sub.CategoryID, month, sign*sub.Amount)
		}
		return
	}
	s.addActivity(t.CategoryID, month, sign*t.Amount)
}

func (s *Snapshot) addActivity(categoryID, month string, amount Milliunits) {
	if categoryID == "" || amount == 0 {
		return
	}
	key := AllocationKey{CategoryID: categoryID, Month: month}
	a, ok := s.Allocations[key]
	if !ok {
		a = Allocation{CategoryID: categoryID, Month: month}
	}
	a.Activity += amount
	a.Balance += amount
	s.Allocations[key] = a
}
