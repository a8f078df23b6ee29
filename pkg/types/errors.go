package types

import "errors"

// Sentinel errors forming the §7 error taxonomy. Callers use errors.Is
// against these to classify a failure; component-specific detail is added
// with fmt.Errorf("%w: ...", ErrX).
var (
	// ErrInvalidPolicy is returned when a policy document fails structural
	// or semantic validation (bad CEL condition, duplicate names, cyclic
	// derived roles, ...; an invalid policy scope is reported as
	// ErrInvalidScope instead). Loads are
	// all-or-nothing: a single invalid policy in a batch rejects the whole
	// batch and leaves the active bundle untouched.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrInvalidRequest is returned when a CheckRequest fails the
	// structural invariants of §3 (missing principal id, missing resource
	// kind, no actions, duplicate actions).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidScope is returned when a scope string violates the
	// dotted-segment character rules enforced by the scope resolver.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrCancelled is returned when the caller's context is cancelled or
	// its deadline is exceeded before evaluation completes.
	ErrCancelled = errors.New("evaluation cancelled")

	// ErrInternal is returned for failures that are not attributable to
	// caller input: a CEL program that fails to evaluate at runtime for a
	// reason other than an absent attribute, a worker pool that cannot
	// accept work, and similar invariant violations.
	ErrInternal = errors.New("internal error")
)
