package state

import (
	"errors"
	"fmt"
)

var (
	ErrStorageInvalid   = errors.New("state: storage invalid")
	ErrOverClose        = errors.New("state: position over-close")
	ErrNotSingleSided   = errors.New("state: position is not single sided")
	ErrInvalidParameter = errors.New("state: invalid parameter")
)

// StorageInvalidError reports a value that does not fit its packed field.
type StorageInvalidError struct {
	Struct string
	Field  string
}

func (e *StorageInvalidError) Error() string {
	return fmt.Sprintf("state: storage invalid: %s.%s out of range", e.Struct, e.Field)
}

func (e *StorageInvalidError) Unwrap() error { return ErrStorageInvalid }

// ParameterError reports a parameter that fails validation against protocol bounds.
type ParameterError struct {
	Struct string
	Field  string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("state: invalid %s.%s: %s", e.Struct, e.Field, e.Reason)
}

func (e *ParameterError) Unwrap() error { return ErrInvalidParameter }
