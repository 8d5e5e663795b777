package transfer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol failures.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	Validation
	Initialization
	TransferFailure
	Protocol
	Connection
)

// Code is the stable wire code of the kind.
func (k ErrorKind) Code() string {
	switch k {
	case Validation:
		return "ERR_VALIDATION"
	case Initialization:
		return "ERR_INITIALIZATION"
	case TransferFailure:
		return "ERR_TRANSFER"
	case Protocol:
		return "ERR_PROTOCOL"
	case Connection:
		return "ERR_CONNECTION"
	default:
		return "ERR"
	}
}

func (k ErrorKind) Name() string {
	switch k {
	case Validation:
		return "validation"
	case Initialization:
		return "initialization"
	case TransferFailure:
		return "transfer"
	case Protocol:
		return "protocol"
	case Connection:
		return "connection"
	default:
		return "unknown"
	}
}

func kindFromCode(code string) ErrorKind {
	for _, k := range []ErrorKind{Validation, Initialization, TransferFailure, Protocol, Connection} {
		if k.Code() == code {
			return k
		}
	}
	return Unknown
}

// Error is a typed transfer failure. Details carry the offending value and,
// where it applies, the accepted values.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind.Name(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind.Name(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewValidationError(msg string, details map[string]any) *Error {
	return &Error{Kind: Validation, Message: msg, Details: details}
}

func NewInitializationError(msg string, details map[string]any) *Error {
	return &Error{Kind: Initialization, Message: msg, Details: details}
}

func NewTransferError(msg string, details map[string]any) *Error {
	return &Error{Kind: TransferFailure, Message: msg, Details: details}
}

func NewProtocolError(msg string, details map[string]any) *Error {
	return &Error{Kind: Protocol, Message: msg, Details: details}
}

// NewConnectionError wraps a socket level failure.
func NewConnectionError(msg string, err error) *Error {
	return &Error{Kind: Connection, Message: msg, Err: err}
}

// IsKind reports whether err is a transfer error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ToResponseError converts any error into its wire form.
func ToResponseError(err error) *ResponseError {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &ResponseError{Code: e.Kind.Code(), Message: e.Message, Details: e.Details}
	}
	return &ResponseError{Code: Unknown.Code(), Message: err.Error()}
}

// Err rebuilds a typed error from its wire form.
func (r *ResponseError) Err() error {
	if r == nil {
		return nil
	}
	return &Error{Kind: kindFromCode(r.Code), Message: r.Message, Details: r.Details}
}
