//go:build debug
// +build debug

package tag

// Debug is true in builds with debug tag. Debug builds run internal invariant checks.
const Debug = true
