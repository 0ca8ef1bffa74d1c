package endpoint_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for leaked reader goroutines after all tests complete.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
