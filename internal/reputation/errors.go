package reputation

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a service does not know the pilot at all
var ErrNotFound = errors.New("pilot not found")

// ErrorKind classifies a failed query
type ErrorKind int

const (
	// KindNetwork covers transport failures and timeouts
	KindNetwork ErrorKind = iota
	// KindParse covers malformed replies
	KindParse
	// KindService covers well-formed replies reporting an error
	KindService
	// KindUnavailable covers requests refused by an open circuit breaker
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindParse:
		return "parse"
	case KindService:
		return "service"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// QueryError is the typed failure of one reputation or avatar query
type QueryError struct {
	Service string
	Kind    ErrorKind
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query failed (%s): %v", e.Service, e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a query error, or KindNetwork for any other error
func KindOf(err error) ErrorKind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindNetwork
}
