package provider

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentGoroutine returns the runtime id of the calling goroutine, parsed
// from the "goroutine N [" header of its stack trace.
func currentGoroutine() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
