package ulogger

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

type TestingT interface {
	Errorf(format string, args ...interface{})
	FailNow()
	Logf(format string, args ...any)
}

type tHelper = interface {
	Helper()
}

type ErrorTestLogger struct {
	t                TestingT
	skipCancelOnFail atomic.Bool
	cancelFn         func()
	shutdown         atomic.Bool // Prevents logging after test cleanup
}

func NewErrorTestLogger(t TestingT, cancelFn ...func()) *ErrorTestLogger {
	if len(cancelFn) == 0 {
		return &ErrorTestLogger{
			t: t,
		}
	}

	return &ErrorTestLogger{
		t:        t,
		cancelFn: cancelFn[0],
	}
}

func (l *ErrorTestLogger) SetCancelFn(cancelFn func()) {
	l.cancelFn = cancelFn
}

func (l *ErrorTestLogger) SkipCancelOnFail(skip bool) {
	if h, ok := l.t.(tHelper); ok {
		h.Helper()
	}

	l.skipCancelOnFail.Store(skip)
}

// Shutdown marks the logger as shutdown, preventing further access to testing.T
// This should be called before test cleanup to avoid race conditions
func (l *ErrorTestLogger) Shutdown() {
	l.shutdown.Store(true)
}

func (l *ErrorTestLogger) LogLevel() int {
	return 0
}

func (l *ErrorTestLogger) SetLogLevel(level string) {}

func (l *ErrorTestLogger) New(service string, options ...Option) Logger {
	if h, ok := l.t.(tHelper); ok {
		h.Helper()
	}

	return l
}

func (l *ErrorTestLogger) Duplicate(options ...Option) Logger {
	if h, ok := l.t.(tHelper); ok {
		h.Helper()
	}

	return l
}

func (l *ErrorTestLogger) Debugf(format string, args ...interface{}) {}

func (l *ErrorTestLogger) Infof(format string, args ...interface{}) {}

func (l *ErrorTestLogger) Warnf(format string, args ...interface{}) {}

func (l *ErrorTestLogger) Errorf(format string, args ...interface{}) {
	l.fail("ERR_LEVEL", format, args...)
}

func (l *ErrorTestLogger) Fatalf(format string, args ...interface{}) {
	l.fail("FATAL_LEVEL", format, args...)
}

// fail logs the message and, unless SkipCancelOnFail was set, cancels the test context and
// marks the test as failed. Expected error paths set SkipCancelOnFail(true).
func (l *ErrorTestLogger) fail(level string, format string, args ...interface{}) {
	// Don't access testing.T if logger is shutdown (test is cleaning up)
	if l.shutdown.Load() {
		return
	}

	if h, ok := l.t.(tHelper); ok {
		h.Helper()
	}

	_, file, line, _ := runtime.Caller(2)

	prefix := fmt.Sprintf("%s:%d: %s %s ", file, line, level, format)

	l.t.Logf(prefix, args...)

	if l.skipCancelOnFail.Load() {
		return
	}

	if l.cancelFn != nil {
		l.cancelFn()
	}

	l.t.Errorf("unexpected %s log: "+format, append([]interface{}{level}, args...)...)
}
