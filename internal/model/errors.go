package model

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks a unit of work that never reached commit because the store failed,
	// timed out or the breaker was open.
	ErrStoreUnavailable = errors.New("graph store unavailable")
	// ErrConflict is returned by a store when a concurrent writer won; the caller may retry.
	ErrConflict = errors.New("graph store write conflict")
)

// StructuralError means the payload matches no known post shape.
type StructuralError struct {
	Reason  string
	Payload Record
}

func (e *StructuralError) Error() string { return "structural: " + e.Reason }

// CoercionError means a property could not be reduced to int, float or string.
type CoercionError struct {
	Property string
	Value    any
	Err      error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("coerce %q (%T): %v", e.Property, e.Value, e.Err)
}

func (e *CoercionError) Unwrap() error { return e.Err }

// UnitOfWorkError is a rolled-back post. Payload is kept for replay.
type UnitOfWorkError struct {
	PostID  string
	Payload Record
	Err     error
}

func (e *UnitOfWorkError) Error() string {
	return fmt.Sprintf("unit of work for post %s: %v", e.PostID, e.Err)
}

func (e *UnitOfWorkError) Unwrap() error { return e.Err }

// CounterRaceError is an aggregate increment that could not be serialized after retries.
// The edge keeps its last applied count.
type CounterRaceError struct {
	Increment Increment
	Attempts  int
	Err       error
}

func (e *CounterRaceError) Error() string {
	return fmt.Sprintf("increment %s %s->%s after %d attempts: %v",
		e.Increment.Type, e.Increment.From, e.Increment.To, e.Attempts, e.Err)
}

func (e *CounterRaceError) Unwrap() error { return e.Err }
