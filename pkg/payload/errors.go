package payload

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformed matches every decode failure via errors.Is.
	ErrMalformed = errors.New("malformed payload")
	// ErrOutOfRange matches every encode failure via errors.Is.
	ErrOutOfRange = errors.New("value out of range")
)

// LengthError reports a payload whose size is not Size.
type LengthError struct {
	Got  int
	Want int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("bad payload length: %d (expected %d)", e.Got, e.Want)
}

func (e *LengthError) Is(target error) bool {
	return target == ErrMalformed
}

// ChecksumError reports a payload whose trailing CRC-8 does not match.
type ChecksumError struct {
	Got  byte
	Want byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("crc mismatch: got 0x%02X, want 0x%02X", e.Got, e.Want)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrMalformed
}

// RangeError reports a reading field that cannot be packed.
type RangeError struct {
	Field string
	Value float64
}

func (e *RangeError) Error() string {
	if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
		return fmt.Sprintf("%s is not finite: %v", e.Field, e.Value)
	}
	return fmt.Sprintf("%s out of range: %v (want -327.68..327.67)", e.Field, e.Value)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}
