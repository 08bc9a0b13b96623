// Package validation provides input validation utilities for join operations.
// It implements small reusable validators for the checks every entry point
// repeats: thread counts, column lengths, reserved keys and nulls.
package validation

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/paveg/hashagg/internal/errors"
)

// ReservedKey is the key value that marks empty hash table slots.
const ReservedKey uint32 = 0

// Validator interface for input validation
type Validator interface {
	Validate() error
}

// ThreadCountValidator validates a worker count against the parallelism ceiling
type ThreadCountValidator struct {
	threads int
	max     int
	op      string
}

// NewThreadCountValidator creates a validator for thread counts
func NewThreadCountValidator(threads, maxThreads int, op string) *ThreadCountValidator {
	return &ThreadCountValidator{
		threads: threads,
		max:     maxThreads,
		op:      op,
	}
}

// Validate checks that 1 <= threads <= max
func (v *ThreadCountValidator) Validate() error {
	if v.threads < 1 || v.threads > v.max {
		message := fmt.Sprintf("thread count %d outside [1, %d]", v.threads, v.max)
		return errors.NewConfigurationError(v.op, message)
	}
	return nil
}

// LengthValidator validates array length consistency
type LengthValidator struct {
	expected int
	actual   int
	op       string
	context  string
}

// NewLengthValidator creates a validator for length consistency
func NewLengthValidator(expected, actual int, op, context string) *LengthValidator {
	return &LengthValidator{
		expected: expected,
		actual:   actual,
		op:       op,
		context:  context,
	}
}

// Validate checks if lengths match
func (v *LengthValidator) Validate() error {
	if v.expected != v.actual {
		message := fmt.Sprintf("%s: expected length %d, got %d", v.context, v.expected, v.actual)
		return errors.NewInvalidInputError(v.op, message)
	}
	return nil
}

// CountValidator validates a tuple count against the column holding the tuples
type CountValidator struct {
	count  int
	length int
	op     string
	column string
}

// NewCountValidator creates a validator for tuple counts
func NewCountValidator(count, length int, op, column string) *CountValidator {
	return &CountValidator{
		count:  count,
		length: length,
		op:     op,
		column: column,
	}
}

// Validate checks that 0 <= count <= length
func (v *CountValidator) Validate() error {
	if v.count < 0 || v.count > v.length {
		message := fmt.Sprintf("%s: tuple count %d outside [0, %d]", v.column, v.count, v.length)
		return errors.NewInvalidInputError(v.op, message)
	}
	return nil
}

// ReservedKeyValidator rejects columns containing the empty-slot sentinel
type ReservedKeyValidator struct {
	keys   []uint32
	op     string
	column string
}

// NewReservedKeyValidator creates a validator for key columns
func NewReservedKeyValidator(keys []uint32, op, column string) *ReservedKeyValidator {
	return &ReservedKeyValidator{
		keys:   keys,
		op:     op,
		column: column,
	}
}

// Validate checks that no key equals ReservedKey
func (v *ReservedKeyValidator) Validate() error {
	for i, k := range v.keys {
		if k == ReservedKey {
			message := fmt.Sprintf("%s: row %d holds reserved key 0", v.column, i)
			return errors.NewInvalidInputError(v.op, message)
		}
	}
	return nil
}

// NullValidator rejects arrow columns with null slots
type NullValidator struct {
	arr    arrow.Array
	op     string
	column string
}

// NewNullValidator creates a validator for arrow columns
func NewNullValidator(arr arrow.Array, op, column string) *NullValidator {
	return &NullValidator{
		arr:    arr,
		op:     op,
		column: column,
	}
}

// Validate checks that the column has no nulls
func (v *NullValidator) Validate() error {
	if v.arr == nil {
		return errors.NewInvalidInputError(v.op, v.column+": missing column")
	}
	if n := v.arr.NullN(); n > 0 {
		message := fmt.Sprintf("%s: %d null values", v.column, n)
		return errors.NewInvalidInputError(v.op, message)
	}
	return nil
}

// CompoundValidator combines multiple validators
type CompoundValidator struct {
	validators []Validator
}

// NewCompoundValidator creates a validator that checks multiple conditions
func NewCompoundValidator(validators ...Validator) *CompoundValidator {
	return &CompoundValidator{
		validators: validators,
	}
}

// Add appends validators
func (v *CompoundValidator) Add(validators ...Validator) {
	v.validators = append(v.validators, validators...)
}

// Validate runs all validators and returns the first error encountered
func (v *CompoundValidator) Validate() error {
	for _, validator := range v.validators {
		if err := validator.Validate(); err != nil {
			return err
		}
	}
	return nil
}
