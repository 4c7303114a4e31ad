package exception

import (
	"errors"
	"fmt"
)

// Request layer errors
var (
	ErrRequestExhausted = errors.New("request: retries exhausted")
	ErrNilDoer          = errors.New("request: nil doer")
)

// HTTPError carries a non-success HTTP status so retry conditions can
// distinguish server faults from client faults.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request: http status %d", e.Status)
}

// HTTPStatus extracts the status code from an error chain.
// Returns 0 when the chain carries no HTTPError.
func HTTPStatus(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}
