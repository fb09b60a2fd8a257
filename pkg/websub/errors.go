package websub

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoPendingRequest = errors.New("subscription has no pending request")
	ErrEmptyChallenge   = errors.New("challenge cannot be empty")
	ErrNotExpirable     = errors.New("subscription cannot expire")
	ErrNotFetched       = errors.New("content is not fetched")
	ErrMaxTries         = errors.New("max tries reached")
)

// Validation error codes.
const (
	CodeRequired   = "required"
	CodeInvalidURL = "invalid_url"
	CodeTooLong    = "too_long"
	CodeNotAllowed = "not_allowed"
	CodeUnknown    = "unknown_subscription"
	CodeInvalid    = "invalid"
)

type FieldError struct {
	Field   string
	Code    string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects field errors from one or more entities. A nil or
// empty list means the input was valid.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, fe := range v {
		msgs = append(msgs, fe.Error())
	}
	return strings.Join(msgs, "; ")
}

// Append returns v extended with the field errors in others.
func (v ValidationErrors) Append(others ...ValidationErrors) ValidationErrors {
	for _, o := range others {
		v = append(v, o...)
	}
	return v
}

func (v ValidationErrors) Add(field, code, message string) ValidationErrors {
	return append(v, FieldError{Field: field, Code: code, Message: message})
}

// Err returns v as an error, or nil when v is empty.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Has reports whether a field error with the given field and code exists.
func (v ValidationErrors) Has(field, code string) bool {
	for _, fe := range v {
		if fe.Field == field && fe.Code == code {
			return true
		}
	}
	return false
}
