// Package testing switches the binaries into test mode for any test binary
// that imports it, so code reaching cmd entry points never starts servers.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// ModeEnv is the variable app.InTestMode reads.
const ModeEnv = "ODYSSEY_TEST_MODE"

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv(ModeEnv, "1")
	})
}

func init() {
	ensureTestMode()
}

// Run is a TestMain body for packages that also read the flag at startup.
func Run(m *stdtesting.M) int {
	ensureTestMode()
	return m.Run()
}
