package logger

// NoOpLogger discards every log message. Each field is an optional hook a
// test can set to observe what would have been logged without pulling in a
// real logger.
type NoOpLogger struct {
	DebugwFunc func(string, ...any)
	InfowFunc  func(string, ...any)
	WarnwFunc  func(string, ...any)
	ErrorwFunc func(string, ...any)
	FatalwFunc func(string, ...any)
}

func (l *NoOpLogger) Debugw(msg string, kvs ...any) {
	if l.DebugwFunc != nil {
		l.DebugwFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Infow(msg string, kvs ...any) {
	if l.InfowFunc != nil {
		l.InfowFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Warnw(msg string, kvs ...any) {
	if l.WarnwFunc != nil {
		l.WarnwFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Errorw(msg string, kvs ...any) {
	if l.ErrorwFunc != nil {
		l.ErrorwFunc(msg, kvs...)
	}
}

func (l *NoOpLogger) Fatalw(msg string, kvs ...any) {
	if l.FatalwFunc != nil {
		l.FatalwFunc(msg, kvs...)
	}
}

// With returns the same NoOpLogger; it stores no context.
func (l *NoOpLogger) With(kvs ...any) Logger { return l }

// NewNoOpLogger returns a Logger that discards every message. The result
// can be type-asserted back to *NoOpLogger to inject test hooks.
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}
