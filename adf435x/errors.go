package adf435x

import (
	"errors"
	"fmt"
)

// Solver failures. They are returned wrapped in a *SolveError carrying the
// offending value, so test with errors.Is.
var (
	ErrFracModeExceedsMaxPFD            = errors.New("maximum PFD frequency in frac-N mode (FRAC != 0) is 32MHz")
	ErrIntModeExceedsMaxPFD             = errors.New("maximum PFD frequency in int-N mode (FRAC = 0) is 90MHz")
	ErrBandSelectModeRequiresHigh       = errors.New("band select clock mode must be high when PFD is above 32MHz in int-N mode")
	ErrBandSelectClockTooHigh           = errors.New("band select clock frequency must be 500kHz or less")
	ErrBandSelectClockTooHighForVariant = errors.New("band select clock frequency too high for this device and mode")
	ErrBandSelectDividerUnset           = errors.New("band select clock divider is zero")
	ErrInvalidOptions                   = errors.New("invalid reference options")
)

// ErrInvalidOutputDividerSelect is returned by Pack when the output divider
// is not a power of two between 1 and 64.
var ErrInvalidOutputDividerSelect = errors.New("output divider must be a power of 2, not greater than 64")

// SolveError reports why a frequency could not be planned.
type SolveError struct {
	Err   error
	Value uint64 // offending frequency or divider, in Hz where applicable
	Limit uint64 // zero when the check has no single limit
}

func (e *SolveError) Error() string {
	if e.Limit != 0 {
		return fmt.Sprintf("%v (got %d, limit %d)", e.Err, e.Value, e.Limit)
	}
	return fmt.Sprintf("%v (got %d)", e.Err, e.Value)
}

func (e *SolveError) Unwrap() error { return e.Err }

// FieldRangeError reports a value too large for its register field.
type FieldRangeError struct {
	Field string
	Value uint64
	Max   uint64
}

func (e *FieldRangeError) Error() string {
	return fmt.Sprintf("%s must be between 0 and %d, got %d", e.Field, e.Max, e.Value)
}

// LookupError reports a value that is not an entry of its lookup table.
type LookupError struct {
	Field string
	Value float64
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("value %s:%g is not in the table", e.Field, e.Value)
}
