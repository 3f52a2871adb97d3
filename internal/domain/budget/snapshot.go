package budget

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind names the entity kinds that local mutations can target.
type EntityKind string

const (
	EntityTransaction EntityKind = "transaction"
	EntityAllocation  EntityKind = "allocation"
)

// EntityRef identifies a mutable entity across kinds.
type EntityRef struct {
	Kind EntityKind
	Key  string
}

// TransactionRef returns the ref of a transaction.
func TransactionRef(id ID) EntityRef {
	return EntityRef{Kind: EntityTransaction, Key: id.String()}
}

// AllocationRef returns the ref of an allocation.
func AllocationRef(key AllocationKey) EntityRef {
	return EntityRef{Kind: EntityAllocation, Key: key.String()}
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.Key
}

// MarshalText lets EntityRef be used as a JSON map key.
func (r EntityRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *EntityRef) UnmarshalText(b []byte) error {
	kind, key, ok := strings.Cut(string(b), ":")
	if !ok || key == "" {
		return fmt.Errorf("invalid entity ref %q", string(b))
	}
	r.Kind = EntityKind(kind)
	r.Key = key
	return nil
}

// AllocationKey is the (category, month) pair an allocation is unique by.
type AllocationKey struct {
	CategoryID string
	Month      string
}

func (k AllocationKey) String() string {
	return k.Month + "/" + k.CategoryID
}

// MarshalText lets AllocationKey be used as a JSON map key.
func (k AllocationKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AllocationKey) UnmarshalText(b []byte) error {
	month, category, ok := strings.Cut(string(b), "/")
	if !ok || month == "" || category == "" {
		return fmt.Errorf("invalid allocation key %q", string(b))
	}
	k.Month = month
	k.CategoryID = category
	return nil
}

// DeferredChange is a server delta held back because a local operation on
// the same entity is still outstanding.
type DeferredChange struct {
	Transaction     *Transaction `json:"transaction,omitempty"`
	Allocation      *Allocation  `json:"allocation,omitempty"`
	ServerKnowledge int64        `json:"server_knowledge"`
	ReceivedAt      time.Time    `json:"received_at"`
}

// Snapshot is the complete cached state of one budget paired with its delta
// cursor. Values handed to readers must be treated as immutable; writers
// Clone before changing anything.
type Snapshot struct {
	Budget          Budget                       `json:"budget"`
	ServerKnowledge int64                        `json:"server_knowledge"`
	Accounts        map[string]Account           `json:"accounts"`
	CategoryGroups  map[string]CategoryGroup     `json:"category_groups"`
	Categories      map[string]Category          `json:"categories"`
	Allocations     map[AllocationKey]Allocation `json:"allocations"`
	Payees          map[string]Payee             `json:"payees"`
	Transactions    map[ID]Transaction           `json:"transactions"`
	Deferred        map[EntityRef]DeferredChange `json:"deferred,omitempty"`
	FetchedAt       time.Time                    `json:"fetched_at"`
}

// NewSnapshot returns an empty snapshot for b with every map allocated.
func NewSnapshot(b Budget) *Snapshot {
	s := &Snapshot{Budget: b}
	s.EnsureMaps()
	return s
}

// BudgetID returns the id of the budget the snapshot belongs to.
func (s *Snapshot) BudgetID() string {
	return s.Budget.ID
}

// HasCursor reports whether a delta fetch is possible.
func (s *Snapshot) HasCursor() bool {
	return s.ServerKnowledge > 0
}

// EnsureMaps allocates any nil map, e.g. after decoding an older file.
func (s *Snapshot) EnsureMaps() {
	if s.Accounts == nil {
		s.Accounts = make(map[string]Account)
	}
	if s.CategoryGroups == nil {
		s.CategoryGroups = make(map[string]CategoryGroup)
	}
	if s.Categories == nil {
		s.Categories = make(map[string]Category)
	}
	if s.Allocations == nil {
		s.Allocations = make(map[AllocationKey]Allocation)
	}
	if s.Payees == nil {
		s.Payees = make(map[string]Payee)
	}
	if s.Transactions == nil {
		s.Transactions = make(map[ID]Transaction)
	}
	if s.Deferred == nil {
		s.Deferred = make(map[EntityRef]DeferredChange)
	}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Budget:          s.Budget,
		ServerKnowledge: s.ServerKnowledge,
		FetchedAt:       s.FetchedAt,
		Accounts:        make(map[string]Account, len(s.Accounts)),
		CategoryGroups:  make(map[string]CategoryGroup, len(s.CategoryGroups)),
		Categories:      make(map[string]Category, len(s.Categories)),
		Allocations:     make(map[AllocationKey]Allocation, len(s.Allocations)),
		Payees:          make(map[string]Payee, len(s.Payees)),
		Transactions:    make(map[ID]Transaction, len(s.Transactions)),
		Deferred:        make(map[EntityRef]DeferredChange, len(s.Deferred)),
	}
	for k, v := range s.Accounts {
		out.Accounts[k] = v
	}
	for k, v := range s.CategoryGroups {
		out.CategoryGroups[k] = v
	}
	for k, v := range s.Categories {
		out.Categories[k] = v
	}
	for k, v := range s.Allocations {
		out.Allocations[k] = v
	}
	for k, v := range s.Payees {
		out.Payees[k] = v
	}
	for k, v := range s.Transactions {
		out.Transactions[k] = v.Clone()
	}
	for k, v := range s.Deferred {
		out.Deferred[k] = v.clone()
	}
	return out
}

func (d DeferredChange) clone() DeferredChange {
	if d.Transaction != nil {
		t := d.Transaction.Clone()
		d.Transaction = &t
	}
	if d.Allocation != nil {
		a := *d.Allocation
		d.Allocation = &a
	}
	return d
}

// Delta is the set of entities that changed since a cursor.
type Delta struct {
	ServerKnowledge int64
	Budget          *Budget
	Accounts        []Account
	CategoryGroups  []CategoryGroup
	Categories      []Category
	Allocations     []Allocation
	Payees          []Payee
	Transactions    []Transaction
}

// Size returns the number of entities carried by the delta.
func (d *Delta) Size() int {
	return len(d.Accounts) + len(d.CategoryGroups) + len(d.Categories) +
		len(d.Allocations) + len(d.Payees) + len(d.Transactions)
}
