package catalog

import "fmt"

// NotFoundError reports a lookup that matched no rows.
type NotFoundError struct {
	Message string
	URI     string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

func notFound(uri, format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...), URI: uri}
}

// QueryError wraps a backend failure. Its message names the lookup only; the
// cause is kept for logging.
type QueryError struct {
	Lookup string
	Err    error
}

func (e *QueryError) Error() string {
	return "failed to query " + e.Lookup
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
