package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Logger provides leveled logging with verbose mode support.
type Logger struct {
	verbose bool
	mu      sync.RWMutex
}

var (
	loggerInstance *Logger
	once           sync.Once
)

// GetLogger returns the singleton logger instance.
func GetLogger() *Logger {
	once.Do(func() {
		loggerInstance = &Logger{
			verbose: false,
		}
	})
	return loggerInstance
}

// SetVerboseMode sets the verbose mode globally.
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
}

// SetVerbose sets the verbose mode for this logger instance.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// IsVerbose returns whether verbose mode is enabled.
func (l *Logger) IsVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

// formatMessage formats a message with optional printf-style arguments.
func formatMessage(msgOrFormat string, args ...interface{}) string {
	if len(args) > 0 {
		return fmt.Sprintf(msgOrFormat, args...)
	}
	return msgOrFormat
}

// Debug logs a debug message (only shown when verbose=true).
func (l *Logger) Debug(msgOrFormat string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	fmt.Fprintf(os.Stderr, "%s [DEBUG] %s\n", time.Now().Format("15:04:05"), formatMessage(msgOrFormat, args...))
}

// Info logs an info message (always shown).
func (l *Logger) Info(msgOrFormat string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[INFO] %s\n", formatMessage(msgOrFormat, args...))
}

// Warn logs a warning message (always shown).
func (l *Logger) Warn(msgOrFormat string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[WARN] %s\n", formatMessage(msgOrFormat, args...))
}

// Error logs an error message (always shown).
func (l *Logger) Error(msgOrFormat string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[ERROR] %s\n", formatMessage(msgOrFormat, args...))
}

// Debugf logs a debug message using the global logger.
func Debugf(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// Infof logs an info message using the global logger.
func Infof(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

// Warnf logs a warning message using the global logger.
func Warnf(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

// Errorf logs an error message using the global logger.
func Errorf(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

// BackgroundLogger provides logging for background sync work to a
// PID-specific file, so driver activity is inspectable after the fact
// without polluting stderr.
type BackgroundLogger struct {
	logger   *log.Logger
	logFile  *os.File
	enabled  bool
	filePath string
}

// NewBackgroundLogger creates a background logger with a PID-specific log file.
func NewBackgroundLogger() (*BackgroundLogger, error) {
	pid := os.Getpid()
	logPath := fmt.Sprintf("%s/sheetbox-%d.log", os.TempDir(), pid)
	return NewBackgroundLoggerWithPath(logPath)
}

// NewBackgroundLoggerWithPath creates a background logger with a custom path.
func NewBackgroundLoggerWithPath(path string) (*BackgroundLogger, error) {
	bl := &BackgroundLogger{
		filePath: path,
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// Gracefully degrade to io.Discard
		bl.logger = log.New(io.Discard, "", log.LstdFlags)
		bl.enabled = false
		return bl, err
	}

	bl.logFile = file
	bl.logger = log.New(file, "", log.LstdFlags)
	bl.enabled = true
	return bl, nil
}

// Printf logs a formatted message.
func (bl *BackgroundLogger) Printf(format string, args ...interface{}) {
	if bl.logger != nil {
		bl.logger.Printf(format, args...)
	}
}

// Println logs a message with a newline.
func (bl *BackgroundLogger) Println(args ...interface{}) {
	if bl.logger != nil {
		bl.logger.Println(args...)
	}
}

// Close closes the log file.
func (bl *BackgroundLogger) Close() {
	if bl.logFile != nil {
		_ = bl.logFile.Close()
		bl.logFile = nil
	}
	bl.logger = log.New(io.Discard, "", log.LstdFlags)
	bl.enabled = false
}

// GetLogPath returns the log file path.
func (bl *BackgroundLogger) GetLogPath() string {
	return bl.filePath
}

// IsEnabled returns whether background logging is enabled.
func (bl *BackgroundLogger) IsEnabled() bool {
	return bl.enabled
}
