package kernel

// Logger receives kernel diagnostics. The CLI logger satisfies it.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// LevelSetter is implemented by loggers whose verbosity can change at run
// time.
type LevelSetter interface {
	SetLevel(level string)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
