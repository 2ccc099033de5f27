// Package elog is Echo's leveled structured logger, in the style of the
// teacher's apoc/log package: a package-level logger with Debug/Info/Warn/
// Error functions taking a message and key-value fields.
package elog

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Level is a logging verbosity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	currentLevel = LevelInfo
	logger       = log.New(os.Stderr, "", 0)
)

// SetLevel sets the package-level logging threshold from a string (case
// insensitive: debug, info, warn, error). Unknown values are ignored.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		currentLevel = LevelDebug
	case "info":
		currentLevel = LevelInfo
	case "warn":
		currentLevel = LevelWarn
	case "error":
		currentLevel = LevelError
	}
}

// Fields is a set of structured key-value pairs attached to a log line.
type Fields map[string]any

// Debug logs a debug-level message with fields.
func Debug(msg string, fields Fields) {
	if currentLevel <= LevelDebug {
		emit("DEBUG", msg, fields)
	}
}

// Info logs an info-level message with fields.
func Info(msg string, fields Fields) {
	if currentLevel <= LevelInfo {
		emit("INFO", msg, fields)
	}
}

// Warn logs a warn-level message with fields.
func Warn(msg string, fields Fields) {
	if currentLevel <= LevelWarn {
		emit("WARN", msg, fields)
	}
}

// Error logs an error-level message with fields.
func Error(msg string, fields Fields) {
	if currentLevel <= LevelError {
		emit("ERROR", msg, fields)
	}
}

func emit(level, msg string, fields Fields) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	line := fmt.Sprintf("%s %s %s", ts, level, msg)
	if len(fields) > 0 {
		line += " " + formatFields(fields)
	}
	logger.Println(line)
}

func formatFields(fields Fields) string {
	var b strings.Builder
	first := true
	for k, v := range fields {
		if !first {
			b.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(&b, "%s=%v", k, v)
	}
	return b.String()
}

// Timer starts a timer and returns a function that logs its elapsed
// duration at Info level when called.
func Timer(name string) func() {
	start := time.Now()
	return func() {
		Info("timer", Fields{"name": name, "elapsed": time.Since(start).String()})
	}
}
