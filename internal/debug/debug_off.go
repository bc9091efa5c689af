//go:build !debug

package debug

// Assert is a no-op outside of debug builds.
func Assert(_ bool, _ ...any) {}

// AssertNoErr is a no-op outside of debug builds.
func AssertNoErr(_ error) {}
