package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrTransportFailure = errors.New("transport failure")
	ErrValidation       = errors.New("validation failed")
	ErrStaleReference   = errors.New("stale reference")
	ErrAlreadyJoined    = errors.New("connection already joined a room")
	ErrNotJoined        = errors.New("connection has not joined a room")
	ErrDeliveryTimeout  = errors.New("delivery timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// Error codes carried by ERROR frames.
const (
	CodeValidation    = "validation"
	CodeAlreadyJoined = "already_joined"
)

// ValidationError lists the fields rejected on a request.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var validate = validator.New()

// Validate checks v against its `validate` struct tags.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fmt.Sprintf("%s %s", fe.Field(), fe.Tag()))
	}
	return &ValidationError{Fields: fields}
}
