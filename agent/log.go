package agent

import (
	"fmt"
	"sync"
	"time"
)

var (
	logMu sync.Mutex
	// DebugEnabled controls whether debug-level logs are written when no
	// external logger is configured.
	DebugEnabled = false
)

// ExternalLogger defines the minimal logger the agent package can use.
// Implemented by the app's structured logger. We keep it small to avoid tight coupling.
type ExternalLogger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

var extLogger ExternalLogger

// SetLogger allows the application to inject a structured logger.
// When set, agent.Info/Debug/Error will delegate to this logger.
func SetLogger(l ExternalLogger) {
	extLogger = l
}

func writeLine(level string, msg string) {
	if extLogger != nil {
		switch level {
		case "ERROR":
			extLogger.Error(msg)
		case "WARN":
			extLogger.Warn(msg)
		case "DEBUG":
			extLogger.Debug(msg)
		default:
			extLogger.Info(msg)
		}
		return
	}
	ts := time.Now().Format(time.RFC3339)
	logMu.Lock()
	defer logMu.Unlock()
	fmt.Printf("%s [%s] %s\n", ts, level, msg)
}

// Info logs an informational message.
func Info(msg string) {
	writeLine("INFO", msg)
}

// InfoCtx logs an informational message with optional key/value context.
func InfoCtx(msg string, context ...interface{}) {
	if extLogger != nil {
		extLogger.Info(msg, context...)
		return
	}
	if len(context) > 0 {
		msg = fmt.Sprintf("%s %v", msg, context)
	}
	writeLine("INFO", msg)
}

// Debug logs a debug message.
func Debug(msg string) {
	if extLogger == nil && !DebugEnabled {
		return
	}
	writeLine("DEBUG", msg)
}

// DebugCtx logs a debug message with optional key/value context.
func DebugCtx(msg string, context ...interface{}) {
	if extLogger != nil {
		extLogger.Debug(msg, context...)
		return
	}
	if !DebugEnabled {
		return
	}
	if len(context) > 0 {
		msg = fmt.Sprintf("%s %v", msg, context)
	}
	writeLine("DEBUG", msg)
}

// Warn logs a warning message.
func Warn(msg string) {
	writeLine("WARN", msg)
}

// WarnCtx logs a warning message with optional key/value context.
func WarnCtx(msg string, context ...interface{}) {
	if extLogger != nil {
		extLogger.Warn(msg, context...)
		return
	}
	if len(context) > 0 {
		msg = fmt.Sprintf("%s %v", msg, context)
	}
	writeLine("WARN", msg)
}

// Error logs an error message.
func Error(msg string) {
	writeLine("ERROR", msg)
}

// ErrorCtx logs an error message with optional key/value context.
func ErrorCtx(msg string, context ...interface{}) {
	if extLogger != nil {
		extLogger.Error(msg, context...)
		return
	}
	if len(context) > 0 {
		msg = fmt.Sprintf("%s %v", msg, context)
	}
	writeLine("ERROR", msg)
}
