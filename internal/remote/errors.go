package remote

import (
	"errors"
	"fmt"
)

// ConnectionErrorMessage is the message the school API layer puts in a failed
// envelope when the server could not be reached. Envelopes carrying it are
// classified as network failures.
const ConnectionErrorMessage = "Error de conexión con el servidor"

type ErrorKind int

const (
	// KindNetwork failures are worth retrying once connectivity allows.
	KindNetwork ErrorKind = iota + 1
	// KindDomain failures are business-rule rejections; retrying will not help.
	KindDomain
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindDomain:
		return "domain"
	default:
		return "unknown"
	}
}

// SendError is returned by an ActionSender when an action was not accepted.
type SendError struct {
	Kind   ErrorKind
	Action string
	Detail string
	Err    error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failure sending %s: %s: %v", e.Kind, e.Action, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s failure sending %s: %s", e.Kind, e.Action, e.Detail)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func NetworkError(action, detail string, err error) *SendError {
	return &SendError{Kind: KindNetwork, Action: action, Detail: detail, Err: err}
}

func DomainError(action, detail string) *SendError {
	return &SendError{Kind: KindDomain, Action: action, Detail: detail}
}

// IsNetwork reports whether err should be treated as a connectivity problem.
// Errors that are not a *SendError are assumed to be network failures, the
// same way a thrown exception is.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Kind != KindDomain
	}
	return true
}

// IsDomain reports whether err is a business-rule rejection.
func IsDomain(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr) && sendErr.Kind == KindDomain
}
