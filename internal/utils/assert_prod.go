//go:build !debug_factory

package utils

// DebugChecks is true when the module is built with the debug_factory build tag
const DebugChecks bool = false

// DebugAssert panics with the provided error when it is not nil. This method no-ops unless the
// debug_factory build tag is present.
func DebugAssert(err error) {
}
