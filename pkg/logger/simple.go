// Package logger provides a basic structured logger for applications
// that do not bring their own. Every SDK component accepts a
// core.Logger; this package is the default production implementation.
package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
)

// LogLevel controls which messages are emitted
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// SimpleLogger provides a basic structured logger implementation.
// Output is one JSON object per line on stderr.
type SimpleLogger struct {
	level     LogLevel
	component string
	out       *log.Logger
}

// NewSimpleLogger creates a new simple logger at Info level
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		level: InfoLevel,
		out:   log.New(os.Stderr, "", 0),
	}
}

// NewDefaultLogger creates a new default logger instance
func NewDefaultLogger() core.Logger {
	return NewSimpleLogger()
}

// SetLevel sets the logging level by name
func (l *SimpleLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

// WithComponent returns a logger that stamps every entry with component
func (l *SimpleLogger) WithComponent(component string) core.Logger {
	return &SimpleLogger{
		level:     l.level,
		component: component,
		out:       l.out,
	}
}

// Debug logs a debug message
func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	if l.level <= DebugLevel {
		l.log("DEBUG", msg, fields)
	}
}

// Info logs an info message
func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	if l.level <= InfoLevel {
		l.log("INFO", msg, fields)
	}
}

// Warn logs a warning message
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	if l.level <= WarnLevel {
		l.log("WARN", msg, fields)
	}
}

// Error logs an error message
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	if l.level <= ErrorLevel {
		l.log("ERROR", msg, fields)
	}
}

func (l *SimpleLogger) log(level, msg string, fields map[string]interface{}) {
	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}
	line, err := json.Marshal(entry)
	if err != nil {
		l.out.Printf(`{"level":%q,"msg":%q}`, level, msg)
		return
	}
	l.out.Print(string(line))
}
