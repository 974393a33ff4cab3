package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log levels
const (
	LevelError = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

var (
	// Control overall logging level
	LogLevel = LevelInfo

	// Control color output
	useColors = true

	base = logrus.New()
)

// Initialize sets up the logger with the specified output
func Initialize(out io.Writer) {
	if out == nil {
		out = os.Stderr
	}

	base.SetOutput(out)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
		ForceColors:     useColors,
		DisableColors:   !useColors,
	})
	base.SetLevel(toLogrus(LogLevel))
}

// DisableColors disables colored output
func DisableColors() {
	useColors = false
	Initialize(base.Out)
}

// SetLevel sets the logging level
func SetLevel(level int) {
	if level >= LevelError && level <= LevelDebug {
		LogLevel = level
		base.SetLevel(toLogrus(level))
	}
}

// ParseLevel maps a configuration string (debug, info, warn, error) to a level.
func ParseLevel(s string) (int, error) {
	l, err := logrus.ParseLevel(s)
	if err != nil {
		return LevelInfo, err
	}
	switch {
	case l >= logrus.DebugLevel:
		return LevelDebug, nil
	case l == logrus.InfoLevel:
		return LevelInfo, nil
	case l == logrus.WarnLevel:
		return LevelWarning, nil
	default:
		return LevelError, nil
	}
}

func toLogrus(level int) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarning:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Fields is an alias so callers don't import logrus for structured logging.
type Fields = logrus.Fields

// WithFields returns an entry carrying structured fields.
func WithFields(fields Fields) *logrus.Entry {
	return base.WithFields(fields)
}

// Helper functions with level checking
func Infof(format string, v ...interface{}) {
	if LogLevel >= LevelInfo {
		base.Info(fmt.Sprintf(format, v...))
	}
}

func Debugf(format string, v ...interface{}) {
	if LogLevel >= LevelDebug {
		base.Debug(fmt.Sprintf(format, v...))
	}
}

func Warningf(format string, v ...interface{}) {
	if LogLevel >= LevelWarning {
		base.Warn(fmt.Sprintf(format, v...))
	}
}

func Errorf(format string, v ...interface{}) {
	if LogLevel >= LevelError {
		base.Error(fmt.Sprintf(format, v...))
	}
}

// Init is called automatically to initialize the logger with defaults
func init() {
	Initialize(nil)
}
