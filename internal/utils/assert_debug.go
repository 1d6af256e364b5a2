//go:build debug_factory

package utils

// DebugChecks is true when the module is built with the debug_factory build tag
const DebugChecks bool = true

// DebugAssert panics with the provided error when it is not nil. Violations of documented
// preconditions are programming bugs, so builds with the debug_factory tag stop at the call site
// instead of returning the error to the caller.
func DebugAssert(err error) {
	if err != nil {
		panic(err)
	}
}
