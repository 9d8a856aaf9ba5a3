// Package logger provides the process-wide server log: human-readable
// lines on the console, structured slog JSON in a dated file under the
// log directory. Call sites use the printf-style helpers; the file
// stream gets the same records with a level attached.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	mu       sync.Mutex
	instance *sink
)

type sink struct {
	file *os.File
	slog *slog.Logger
}

// Init opens the dated log file under logDir and routes all subsequent
// helper calls to both console and file. Calling Init twice is a no-op.
func Init(logDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		return nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	name := fmt.Sprintf("cmux-%s.log", time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	instance = &sink{
		file: f,
		slog: slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	return nil
}

// Close flushes and closes the log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		return nil
	}
	err := instance.file.Close()
	instance = nil
	return err
}

func emit(level slog.Level, msg string) {
	fmt.Fprintln(os.Stdout, msg)
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		instance.slog.Log(context.Background(), level, msg)
	}
}

// Info logs a formatted informational message.
func Info(format string, v ...interface{}) {
	emit(slog.LevelInfo, fmt.Sprintf(format, v...))
}

// Error logs a formatted error message.
func Error(format string, v ...interface{}) {
	emit(slog.LevelError, fmt.Sprintf(format, v...))
}

// Println logs its arguments space-separated, like fmt.Println.
func Println(v ...interface{}) {
	emit(slog.LevelInfo, strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Printf logs a formatted message at info level.
func Printf(format string, v ...interface{}) {
	emit(slog.LevelInfo, fmt.Sprintf(format, v...))
}

// Fatal logs its arguments and exits.
func Fatal(v ...interface{}) {
	emit(slog.LevelError, fmt.Sprint(v...))
	_ = Close()
	os.Exit(1)
}

// Fatalf logs a formatted message and exits.
func Fatalf(format string, v ...interface{}) {
	emit(slog.LevelError, fmt.Sprintf(format, v...))
	_ = Close()
	os.Exit(1)
}
