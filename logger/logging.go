package logger

import (
	"log"

	"go.uber.org/zap"
)

type NullLogger struct{}

func (l *NullLogger) Debugf(format string, args ...interface{}) {
}
func (l *NullLogger) Infof(format string, args ...interface{}) {
}
func (l *NullLogger) Errorf(format string, args ...interface{}) {
}

// PrintLogger writes through the standard log package. Prefix, if set, is
// printed after the level tag, typically naming the identity.
type PrintLogger struct {
	Prefix string
}

func (l *PrintLogger) Debugf(format string, args ...interface{}) {
	log.Printf("[DEBUG]"+l.Prefix+format, args...)
}
func (l *PrintLogger) Infof(format string, args ...interface{}) {
	log.Printf("[INFO]"+l.Prefix+format, args...)
}
func (l *PrintLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR]"+l.Prefix+format, args...)
}

// ZapLogger adapts a zap sugared logger.
type ZapLogger struct {
	S *zap.SugaredLogger
}

func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{S: l.Sugar()}
}

// With returns a logger that adds the key/value pairs to every entry.
func (l *ZapLogger) With(args ...interface{}) *ZapLogger {
	return &ZapLogger{S: l.S.With(args...)}
}

func (l *ZapLogger) Debugf(format string, args ...interface{}) {
	l.S.Debugf(format, args...)
}
func (l *ZapLogger) Infof(format string, args ...interface{}) {
	l.S.Infof(format, args...)
}
func (l *ZapLogger) Errorf(format string, args ...interface{}) {
	l.S.Errorf(format, args...)
}
