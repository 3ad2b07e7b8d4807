package log

import (
	"testing"
)

// TestingLogger returns a debug-level plain Logger when tests run with -v,
// and a no-op Logger otherwise.
//
// The call must be made inside a test, not in an init func, because the
// verbose flag is only set once tests start.
func TestingLogger() Logger {
	if testing.Verbose() {
		return MustNewDefaultLogger(LogFormatPlain, LogLevelDebug)
	}

	return NewNopLogger()
}
