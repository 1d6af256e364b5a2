package device

import "github.com/cockroachdb/errors"

// The error kinds below are the only failure categories that leave this module. Backends mark
// their own errors with one of them (errors.Mark) so callers can branch with errors.Is regardless
// of which backend produced them.
var (
	// ErrOutOfMemory is returned when a heap is exhausted or an allocation cannot satisfy the
	// requested alignment. It is surfaced to the caller and never retried automatically.
	ErrOutOfMemory = errors.New("out of device memory")
	// ErrDeviceLost is catastrophic and fatal to the whole runtime instance
	ErrDeviceLost = errors.New("device lost")
	// ErrInvalidUsage indicates that the caller violated a documented precondition
	ErrInvalidUsage = errors.New("invalid usage")
	// ErrFeatureNotPresent indicates that the platform cannot provide something the caller's
	// configuration depends on, such as host-visible memory for staging. It is not retried.
	ErrFeatureNotPresent = errors.New("feature not present")
)

// InvalidUsagef builds an error marked with ErrInvalidUsage
func InvalidUsagef(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidUsage)
}

// OutOfMemoryf builds an error marked with ErrOutOfMemory
func OutOfMemoryf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrOutOfMemory)
}
