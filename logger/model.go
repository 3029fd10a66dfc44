package logger

// DebugLogger is the only logging dependency of the crawler packages.
type DebugLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	_ DebugLogger = (*NullLogger)(nil)
	_ DebugLogger = (*PrintLogger)(nil)
	_ DebugLogger = (*ZapLogger)(nil)
)
