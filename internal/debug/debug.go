// Package debug provides assertions that compile out of non-debug builds,
// mirroring cmn/debug in the upstream cluster codebase this module is
// modeled on. Enable with `-tags debug`.
package debug

import "fmt"

// assert panics with args if cond is false. Assert calls it in debug
// builds (debug_on.go); in non-debug builds Assert is a no-op (debug_off.go).
func assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprint(args...))
	}
}

// assertNoErr panics if err is non-nil. AssertNoErr calls it in debug
// builds; in non-debug builds AssertNoErr is a no-op.
func assertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
