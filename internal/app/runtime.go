package app

import (
	"os"
	"sync"
)

const testModeEnv = "CADENZA_TEST_MODE"

var (
	testMode     bool
	testModeOnce sync.Once
)

// InTestMode reports whether the process should skip runtime side effects,
// such as connecting the worker to its backing services. The flag is read
// once per process.
func InTestMode() bool {
	testModeOnce.Do(func() {
		testMode = os.Getenv(testModeEnv) == "1"
	})
	return testMode
}
