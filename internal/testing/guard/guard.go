// Package guard switches the binaries into test mode when imported from a
// test, so calling main() returns before any connection is made.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("TILLPOINT_TEST_MODE") == "" {
			_ = os.Setenv("TILLPOINT_TEST_MODE", "1")
		}
		if os.Getenv("GOTENBERG_URL") == "" {
			_ = os.Setenv("GOTENBERG_URL", "http://127.0.0.1:0")
		}
	})
}
