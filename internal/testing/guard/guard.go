// Package guard forces test mode for any test binary that imports it.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("BOLETAS_TEST_MODE") == "" {
			_ = os.Setenv("BOLETAS_TEST_MODE", "1")
		}
	})
}
