package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

const errKnowledgeOutOfDate = "knowledge_out_of_date"

// classify maps a transport result onto the budget error taxonomy.
func classify(kind callKind, status int, body []byte, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", budget.ErrTransientNetwork, err)
	}
	if status >= 200 && status < 300 {
		return nil
	}

	apiErr := parseError(status, body)
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", budget.ErrUnauthorized, apiErr.Detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: server returned %d %s", budget.ErrTransientNetwork, status, apiErr.Name)
	case kind == callDelta && (status == http.StatusGone || apiErr.Name == errKnowledgeOutOfDate):
		return fmt.Errorf("%w: %s", budget.ErrCursorInvalid, apiErr.Detail)
	case kind != callMutation && status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", budget.ErrNotFound, apiErr.Detail)
	default:
		return apiErr
	}
}

func parseError(status int, body []byte) *budget.RejectedError {
	out := &budget.RejectedError{StatusCode: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Name != "" {
		out.ErrorID = eb.Error.ID
		out.Name = eb.Error.Name
		out.Detail = eb.Error.Detail
		return out
	}
	out.Name = http.StatusText(status)
	return out
}
