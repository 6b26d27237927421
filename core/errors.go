package core

import (
	"errors"
	"fmt"
)

// Error categories. Specific errors below wrap one of these, so callers can
// match either the exact error or the whole category with errors.Is.
var (
	// ErrConfiguration is returned for invalid construction parameters.
	// Configuration errors are always fatal to the constructor call.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrValidation is returned for an invalid argument to an operation.
	// The call fails and bucket state is left unchanged.
	ErrValidation = errors.New("invalid argument")

	// ErrStore wraps failures of the backing store.
	ErrStore = errors.New("backing store failure")
)

var (
	// ErrInvalidCapacity is returned when capacity is not a positive finite number.
	ErrInvalidCapacity = fmt.Errorf("%w: capacity must be positive", ErrConfiguration)

	// ErrInvalidRefillRate is returned when the refill rate is not a positive finite number.
	ErrInvalidRefillRate = fmt.Errorf("%w: refill rate must be positive", ErrConfiguration)

	// ErrInvalidKey is returned when a distributed bucket key is empty.
	ErrInvalidKey = fmt.Errorf("%w: key cannot be empty", ErrConfiguration)

	// ErrInvalidCost is returned when a request cost is not a positive finite number.
	ErrInvalidCost = fmt.Errorf("%w: cost must be a positive finite number", ErrValidation)

	// ErrInvalidPoints is returned when penalty/reward points are not positive finite numbers.
	ErrInvalidPoints = fmt.Errorf("%w: points must be a positive finite number", ErrValidation)

	// ErrInvalidDuration is returned when a block duration is not positive.
	ErrInvalidDuration = fmt.Errorf("%w: duration must be positive", ErrValidation)

	// ErrTokensOutOfRange is returned when SetTokens is called with a value
	// outside [0, capacity].
	ErrTokensOutOfRange = fmt.Errorf("%w: tokens must be within [0, capacity]", ErrValidation)

	// ErrInvalidSnapshot is returned when a snapshot fails validation.
	// Nothing is constructed or mutated when this is returned.
	ErrInvalidSnapshot = fmt.Errorf("%w: malformed snapshot", ErrValidation)
)
