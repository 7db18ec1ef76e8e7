package chain

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// verify no goroutine leaks across tests in this package
	goleak.VerifyTestMain(m)
}
