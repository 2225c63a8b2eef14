package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("protocol: envelope validation failed")
	ErrDecode           = errors.New("protocol: envelope decode failed")
	ErrInvalidOperation = errors.New("protocol: invalid operation tag")
	ErrTruncated        = errors.New("protocol: truncated data")
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrUnknownCodec     = errors.New("protocol: unknown codec")
)

// ValidationError names the first missing or malformed envelope field found by Build.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid envelope field %q: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DecodeError reports malformed or truncated serialized envelope data.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol: decode envelope: %s", e.Reason)
	}
	return fmt.Sprintf("protocol: decode envelope: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}
