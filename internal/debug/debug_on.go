//go:build debug

package debug

// Assert panics with args if cond is false.
func Assert(cond bool, args ...any) { assert(cond, args...) }

// AssertNoErr panics if err is non-nil.
func AssertNoErr(err error) { assertNoErr(err) }
