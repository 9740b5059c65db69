// Package logging wires the module's structured logger, matching the
// teacher's utils/log package: a package-level zap.Logger installed as
// the global on init, with level-gated helper functions.
package logging

import "go.uber.org/zap"

// Level mirrors the teacher's simple DEBUG..FATAL ladder.
type Level int

// Log levels, least to most severe.
const (
	Debug Level = iota
	Info
	Warning
	Error
	Fatal
)

var current = Info

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

// SetLevel changes the minimum level that reaches the underlying logger.
func SetLevel(l Level) { current = l }

// Debugf logs at Debug level if enabled.
func Debugf(format string, args ...interface{}) {
	if current <= Debug {
		zap.S().Debugf(format, args...)
	}
}

// Infof logs at Info level if enabled.
func Infof(format string, args ...interface{}) {
	if current <= Info {
		zap.S().Infof(format, args...)
	}
}

// Warnf logs at Warning level if enabled.
func Warnf(format string, args ...interface{}) {
	if current <= Warning {
		zap.S().Warnf(format, args...)
	}
}

// Errorf logs at Error level if enabled.
func Errorf(format string, args ...interface{}) {
	if current <= Error {
		zap.S().Errorf(format, args...)
	}
}
