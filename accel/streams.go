package accel

import (
	"fmt"

	"github.com/gomlx/goaccel/driver"
	"github.com/pkg/errors"
)

// Stream is an opaque execution queue token, passed through to the driver with copies.
//
// A nil *Stream (DefaultStream) is the implicit default queue.
type Stream struct {
	driver    driver.Driver
	ctx       *Context
	handle    driver.StreamHandle
	destroyed bool
}

// DefaultStream is the implicit default queue of the driver.
var DefaultStream *Stream

// NewStream creates a new execution queue in the current context.
func (s *Session) NewStream() (*Stream, error) {
	ctx, err := s.requireContext("Session.NewStream()")
	if err != nil {
		return nil, err
	}
	handle, err := s.runtime.driver.CreateStream(ctx.handle)
	if err != nil {
		return nil, errors.WithMessagef(err, "Session.NewStream() failed to create stream in %s", ctx)
	}
	return &Stream{driver: s.runtime.driver, ctx: ctx, handle: handle}, nil
}

// Handle returns the driver handle of the stream: driver.DefaultStream for the default stream.
func (st *Stream) Handle() driver.StreamHandle {
	if st == nil {
		return driver.DefaultStream
	}
	return st.handle
}

// IsDefault returns whether st is the default stream.
func (st *Stream) IsDefault() bool {
	return st == nil
}

// Destroy the stream. The default stream can't be destroyed. Destroying a stream twice is a no-op.
func (st *Stream) Destroy() error {
	if st == nil {
		return errors.Wrap(ErrInvalidArgument, "Stream.Destroy(): the default stream cannot be destroyed")
	}
	if st.destroyed {
		return nil
	}
	if err := st.ctx.check("Stream.Destroy()"); err != nil {
		return err
	}
	if err := st.driver.DestroyStream(st.ctx.handle, st.handle); err != nil {
		return errors.WithMessagef(err, "Stream.Destroy() failed for %s", st)
	}
	st.destroyed = true
	return nil
}

// checkFor verifies the stream can be used with operations in ctx.
func (st *Stream) checkFor(ctx *Context, op string) error {
	if st == nil {
		return nil
	}
	if err := st.ctx.check(op); err != nil {
		return err
	}
	if st.destroyed {
		return errors.Wrapf(ErrInvalidArgument, "%s: %s has been destroyed", op, st)
	}
	if st.ctx != ctx {
		return errors.Wrapf(ErrInvalidArgument, "%s: %s belongs to %s, not to %s", op, st, st.ctx, ctx)
	}
	return nil
}

// String implements fmt.Stringer.
func (st *Stream) String() string {
	if st == nil {
		return "Stream(default)"
	}
	return fmt.Sprintf("Stream(%#x)", uintptr(st.handle))
}
