package accel

import (
	"github.com/pkg/errors"
)

// NamedValuesMap holds named options, as accepted by Session.Map and Session.Mapped.
type NamedValuesMap map[string]any

// OptionStream selects the stream (a *Stream, nil being DefaultStream) used by the device buffers of a mapping.
const OptionStream = "stream"

// mapOptions are the parsed values of a NamedValuesMap given to Session.Map.
type mapOptions struct {
	stream *Stream
}

// parseMapOptions validates the options. Unknown names or values of the wrong type yield ErrInvalidArgument.
func parseMapOptions(op string, m NamedValuesMap) (mapOptions, error) {
	var opts mapOptions
	for _, name := range sortedKeys(m) {
		switch name {
		case OptionStream:
			switch value := m[name].(type) {
			case nil:
				opts.stream = DefaultStream
			case *Stream:
				opts.stream = value
			default:
				return opts, errors.Wrapf(ErrInvalidArgument, "%s: option %q requires a *Stream, got %T", op, name, value)
			}
		default:
			return opts, errors.Wrapf(ErrInvalidArgument, "%s: unknown option %q, the only valid option is %q", op, name, OptionStream)
		}
	}
	return opts, nil
}
