// Package apierr defines the total, non-throwing error vocabulary returned
// by the module's cid, config, socket, merge, receiver, mergereceiver and
// discovery APIs; none of them panic on caller-supplied input. wire.Parse
// reports bad packets with its own *wire.ErrMalformed instead.
package apierr

import "fmt"

// Kind identifies one of the error categories a caller can switch on.
type Kind int

const (
	// KindInvalid marks a malformed argument: nil, out of range, bad universe.
	KindInvalid Kind = iota
	// KindNotInitialized marks an API called before the owning component was created.
	KindNotInitialized
	// KindNotFound marks an unknown handle or universe.
	KindNotFound
	// KindExists marks an attempt to listen on a universe already owned by this module.
	KindExists
	// KindNoMem marks pool exhaustion or a heap failure.
	KindNoMem
	// KindNoNetints marks that none of the requested interfaces were usable.
	KindNoNetints
	// KindSys marks an unexpected platform call failure.
	KindSys
	// KindNotImplemented marks a feature advertised but not yet built (sync universe, custom footprints).
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotInitialized:
		return "not-initialized"
	case KindNotFound:
		return "not-found"
	case KindExists:
		return "exists"
	case KindNoMem:
		return "no-mem"
	case KindNoNetints:
		return "no-netints"
	case KindSys:
		return "sys"
	case KindNotImplemented:
		return "not-implemented"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every exported API function.
type Error struct {
	Kind Kind
	What string // short, human-readable detail; may be empty
}

func (e *Error) Error() string {
	if e.What == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.What)
}

// Is reports whether target is an *Error with the same Kind, so callers can
// use errors.Is(err, apierr.Invalid) style sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, What: fmt.Sprintf(format, args...)}
}

// Sentinel values for errors.Is comparisons against a bare kind, e.g.
// errors.Is(err, apierr.NotFound).
var (
	Invalid        = &Error{Kind: KindInvalid}
	NotInitialized = &Error{Kind: KindNotInitialized}
	NotFound       = &Error{Kind: KindNotFound}
	Exists         = &Error{Kind: KindExists}
	NoMem          = &Error{Kind: KindNoMem}
	NoNetints      = &Error{Kind: KindNoNetints}
	Sys            = &Error{Kind: KindSys}
	NotImplemented = &Error{Kind: KindNotImplemented}
)

// Of reports the Kind of err if it is an *Error, and ok=false otherwise;
// wrapped errors are not unwrapped.
func Of(err error) (Kind, bool) {
	e, ok := err.(*Error)
	if !ok {
		return 0, false
	}
	return e.Kind, true
}
