package netio_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs all tests in the netio test binary and checks for goroutine
// leaks after all tests complete: an accept-loop, receive-loop, or session
// worker goroutine that outlives its listener is a failure.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
