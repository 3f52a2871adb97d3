package budget

import (
	"fmt"
	"time"
)

// OpKind is the kind of a local mutation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpStatus is the delivery state of a pending operation. Terminal
// operations are removed from the log, so only these two are stored.
type OpStatus string

const (
	// OpPending has not been attempted yet.
	OpPending OpStatus = "pending"
	// OpFailed failed retriably and waits for NextAttemptAt.
	OpFailed OpStatus = "failed"
)

// OperationHandle identifies an enqueued operation.
type OperationHandle string

// AllocationChange sets the budgeted amount of one category for one month.
type AllocationChange struct {
	CategoryID string     `json:"category_id"`
	Month      string     `json:"month"`
	Budgeted   Milliunits `json:"budgeted"`
}

// Key returns the allocation the change targets.
func (c AllocationChange) Key() AllocationKey {
	return AllocationKey{CategoryID: c.CategoryID, Month: c.Month}
}

// Mutation is a change requested by the user.
type Mutation struct {
	Kind        OpKind
	Entity      EntityKind
	Target      ID
	Transaction *Transaction
	Allocation  *AllocationChange
}

// Validate checks that the mutation is structurally complete. Amount rules
// for split transactions live in package validator.
func (m Mutation) Validate() error {
	switch m.Entity {
	case EntityTransaction:
		switch m.Kind {
		case OpCreate:
			if m.Transaction == nil {
				return fmt.Errorf("%w: create requires a transaction", ErrInvalidMutation)
			}
		case OpUpdate:
			if m.Transaction == nil || m.Target.IsZero() {
				return fmt.Errorf("%w: update requires a target and a transaction", ErrInvalidMutation)
			}
		case OpDelete:
			if m.Target.IsZero() {
				return fmt.Errorf("%w: delete requires a target", ErrInvalidMutation)
			}
		default:
			return fmt.Errorf("%w: unknown operation %q", ErrInvalidMutation, m.Kind)
		}
		if m.Transaction != nil {
			if m.Transaction.AccountID == "" {
				return fmt.Errorf("%w: transaction requires an account", ErrInvalidMutation)
			}
			if _, err := time.Parse("2006-01-02", m.Transaction.Date); err != nil {
				return fmt.Errorf("%w: invalid date %q", ErrInvalidMutation, m.Transaction.Date)
			}
		}
	case EntityAllocation:
		if m.Allocation == nil || m.Allocation.CategoryID == "" {
			return fmt.Errorf("%w: allocation change requires a category", ErrInvalidMutation)
		}
		if _, err := NormalizeMonth(m.Allocation.Month); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		switch m.Kind {
		case OpCreate, OpUpdate, OpDelete:
		default:
			return fmt.Errorf("%w: unknown operation %q", ErrInvalidMutation, m.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown entity %q", ErrInvalidMutation, m.Entity)
	}
	return nil
}

// Operation is a mutation recorded in the pending operation log.
type Operation struct {
	Seq           int64
	Handle        OperationHandle
	BudgetID      string
	Kind          OpKind
	Entity        EntityKind
	Target        ID
	Transaction   *Transaction
	Allocation    *AllocationChange
	Attempts      int
	LastAttemptAt *time.Time
	NextAttemptAt time.Time
	Status        OpStatus
	LastError     string
	EnqueuedAt    time.Time
}

// Ref returns the entity the operation targets.
func (o Operation) Ref() EntityRef {
	if o.Entity == EntityAllocation && o.Allocation != nil {
		return AllocationRef(o.Allocation.Key())
	}
	return TransactionRef(o.Target)
}

// Due reports whether the operation may be submitted at now.
func (o Operation) Due(now time.Time) bool {
	return !o.NextAttemptAt.After(now)
}

// Budgeted returns the amount an allocation operation sets.
func (o Operation) Budgeted() Milliunits {
	if o.Allocation == nil || o.Kind == OpDelete {
		return 0
	}
	return o.Allocation.Budgeted
}

// RewriteID replaces from with to in the target and payload.
func (o Operation) RewriteID(from, to ID) Operation {
	if o.Target == from {
		o.Target = to
	}
	if o.Transaction != nil && o.Transaction.ID == from {
		t := o.Transaction.Clone()
		t.ID = to
		o.Transaction = &t
	}
	return o
}
