package cmn

import "fmt"

// Assert panics if cond is false. Reserved for invariant violations that
// indicate a bug in the caller (e.g. a negative semaphore count) rather than
// a user-facing error - those go through the perr taxonomy instead.
func Assert(cond bool) {
	if !cond {
		panic("assertion failed")
	}
}

// AssertMsg is Assert with a formatted explanation attached to the panic.
func AssertMsg(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// AssertNoErr panics on a non-nil error. Reserved for errors the caller has
// already proven cannot occur (e.g. re-parsing a value this process just
// formatted).
func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("unexpected error: %v", err))
	}
}
