package core

// Logger is a minimal logging interface. Adapters for zerolog, zap and
// logrus live under adapters/.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, args ...interface{}) {}
func (noopLogger) Errorf(format string, args ...interface{}) {}

// NopLogger discards everything. It is the default wherever a Logger is
// optional, so callers never have to nil-check.
var NopLogger Logger = noopLogger{}
