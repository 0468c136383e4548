package tower

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSpec wraps every payload validation failure. Such requests are
// never sent.
var ErrInvalidSpec = errors.New("invalid request body")

// APIError is returned for any response whose status differs from the one the
// operation declares, including other 2xx codes.
type APIError struct {
	Verb     string `json:"verb"`
	Path     string `json:"path"`
	Status   int    `json:"status"`
	Expected int    `json:"expected"`
	Body     string `json:"body,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	target := e.Path
	if !strings.Contains(target, "://") {
		target = "/" + strings.TrimLeft(target, "/")
	}
	msg := fmt.Sprintf("%s %s returned status %d, expected %d", e.Verb, target, e.Status, e.Expected)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// AsAPIError unwraps err into an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
