package accel

import (
	"github.com/pkg/errors"
)

// Kinds of errors returned by this package. Test for them with errors.Is.
//
// Errors caused by a driver failure also wrap the *driver.Error, see driver.CodeOf.
var (
	// ErrNoActiveContext is returned by any operation that requires an active context, if there is none.
	ErrNoActiveContext = errors.New("no active accelerator context, call Session.SelectDevice first")

	// ErrDeviceNotFound is returned for an invalid device id.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrContextCreation is returned if the driver fails to create a context (e.g. device busy or out of resources).
	ErrContextCreation = errors.New("context creation failed")

	// ErrAllocation is returned if the driver fails to allocate device memory.
	ErrAllocation = errors.New("device allocation failed")

	// ErrPinning is returned if the driver rejects page-locking host memory (e.g. pinnable quota exceeded).
	ErrPinning = errors.New("page-locking host memory failed")

	// ErrInvalidArgument is returned for bad options, geometries or unsupported combinations.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStaleContext is returned when using a buffer, region or stream whose context has been closed.
	ErrStaleContext = errors.New("stale context")
)

// kindError tags a cause with one of the Err* kinds above: it matches errors.Is(err, kind), while the
// cause (typically a *driver.Error) is still reachable with errors.As.
type kindError struct {
	kind, cause error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.cause }

// Cause implements github.com/pkg/errors causer interface.
func (e *kindError) Cause() error { return e.cause }

// wrapKind tags cause with kind and prepends the formatted message.
func wrapKind(kind, cause error, format string, args ...any) error {
	return errors.WithMessagef(&kindError{kind: kind, cause: cause}, format, args...)
}
