package interrupt

import (
	"runtime"
	"strings"
)

// assertMainGoroutine panics unless called from goroutine 1. Main blocks
// until the process exits, so it belongs on the goroutine that owns main().
func assertMainGoroutine() {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	if !strings.HasPrefix(string(buf[:n]), "goroutine 1 ") {
		panic("interrupt.Main must be called from the main goroutine (goroutine 1)")
	}
}
