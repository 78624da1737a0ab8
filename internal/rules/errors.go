package rules

import (
	"errors"
	"fmt"
)

// ErrNoDefaultPattern means no pattern matched a destination, which can only
// happen when the catch-all default pattern is missing.
var ErrNoDefaultPattern = errors.New("no outbound pattern matched and no default pattern exists")

// FatalError is an unrecoverable configuration error. Callers must stop
// accepting work and shut down when they receive one.
type FatalError struct {
	Host       string
	IdentityID int
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal rule configuration error for host %q (identity %d): %v", e.Host, e.IdentityID, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
