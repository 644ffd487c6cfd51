package client

import (
	"encoding/json"
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the server. The sync engine
// branches on the status predicates: 409 on a file update means a
// version conflict, 404 on a delete means already gone.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return hasStatus(err, 404)
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	return hasStatus(err, 409)
}

// IsUnauthorized reports whether err is a 401 from the server, which
// means the machine's token is no longer valid.
func IsUnauthorized(err error) bool {
	return hasStatus(err, 401)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// apiErrorFrom builds an APIError from a response body, falling back
// to the raw body when it is not the standard error JSON.
func apiErrorFrom(status int, body []byte) error {
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return &APIError{Status: status, Message: parsed.Error}
	}
	return &APIError{Status: status, Message: string(body)}
}
