package budget

import (
	"encoding/json"
	"time"
)

// NoticeKind classifies a user-visible sync notice.
type NoticeKind string

const (
	// NoticeRejected: the server refused a local change outright.
	NoticeRejected NoticeKind = "rejected"
	// NoticeRetryExhausted: a change could not be delivered within the
	// retry ceiling.
	NoticeRetryExhausted NoticeKind = "retry_exhausted"
	// NoticeSuperseded: a delivered change was overwritten by a later
	// server-side edit.
	NoticeSuperseded NoticeKind = "superseded"
	// NoticeCascade: a change depended on a create that failed.
	NoticeCascade NoticeKind = "cascade"
	// NoticeLogLost: the pending operation log was unreadable and unsent
	// local edits may be gone.
	NoticeLogLost NoticeKind = "log_lost"
	// NoticeCacheReset: the cached snapshot was unreadable and was rebuilt.
	NoticeCacheReset NoticeKind = "cache_reset"
)

// Severity returns "warning" for notices that may involve lost local work
// and "info" otherwise.
func (k NoticeKind) Severity() string {
	switch k {
	case NoticeLogLost, NoticeRejected, NoticeRetryExhausted, NoticeCascade:
		return "warning"
	default:
		return "info"
	}
}

// Notice tells the user about a local change that did not end up as they
// requested, with enough context to decide what to do.
type Notice struct {
	ID           string          `json:"id"`
	BudgetID     string          `json:"budget_id"`
	Kind         NoticeKind      `json:"kind"`
	EntityKind   EntityKind      `json:"entity_kind,omitempty"`
	EntityID     string          `json:"entity_id,omitempty"`
	OpKind       OpKind          `json:"op_kind,omitempty"`
	Requested    json.RawMessage `json:"requested,omitempty"`
	ServerState  json.RawMessage `json:"server_state,omitempty"`
	Reason       string          `json:"reason"`
	RaisedAt     time.Time       `json:"raised_at"`
	Acknowledged bool            `json:"acknowledged"`
}
