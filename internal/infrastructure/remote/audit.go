package remote

import (
	"context"
	"time"

	"github.com/eshaffer321/ynab-sync/internal/infrastructure/storage"
)

// maxAuditBody caps how much of a response body is kept in the call log.
const maxAuditBody = 16 << 10

// Recorder persists API calls for later inspection.
type Recorder interface {
	LogAPICall(call *storage.APICall) error
}

type runIDKey struct{}

// WithRunID tags calls made with ctx as belonging to a sync run.
func WithRunID(ctx context.Context, runID int64) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runIDFrom(ctx context.Context) *int64 {
	if id, ok := ctx.Value(runIDKey{}).(int64); ok && id > 0 {
		return &id
	}
	return nil
}

func (c *Client) audit(ctx context.Context, budgetID, method, path string, status int, reqBody, respBody []byte, callErr error, duration time.Duration) {
	if c.recorder == nil {
		return
	}

	call := &storage.APICall{
		RunID:        runIDFrom(ctx),
		BudgetID:     budgetID,
		Method:       method,
		Path:         path,
		StatusCode:   status,
		RequestJSON:  string(reqBody),
		ResponseJSON: truncate(respBody, maxAuditBody),
		DurationMs:   duration.Milliseconds(),
		Timestamp:    time.Now(),
	}
	if callErr != nil {
		call.Error = callErr.Error()
	}

	if err := c.recorder.LogAPICall(call); err != nil {
		c.logger.Warn("failed to record api call", "path", path, "error", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
