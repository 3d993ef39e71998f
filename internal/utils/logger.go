package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes "[LEVEL] [Name] message" lines. Debug lines are dropped
// unless the logger is verbose.
type Logger struct {
	verbose bool
	mu      sync.RWMutex
	out     *log.Logger
	prefix  string
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// GetLogger returns the process-wide logger used when a component was given
// none. It writes to the standard log package.
func GetLogger() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = &Logger{out: log.Default()}
	})
	return defaultLogger
}

// NewLogger creates a logger writing to w. Components get their own
// logger through Named so their lines carry a tag.
func NewLogger(w io.Writer, verbose bool) *Logger {
	return &Logger{
		verbose: verbose,
		out:     log.New(w, "", log.LstdFlags),
	}
}

// Named returns a logger sharing l's output and verbosity whose lines are
// tagged with name, e.g. "[SyncEngine] ".
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		l = GetLogger()
	}
	return &Logger{
		verbose: l.IsVerbose(),
		out:     l.out,
		prefix:  l.prefix + "[" + name + "] ",
	}
}

// OrDefault returns l, or the global logger when l is nil.
func (l *Logger) OrDefault() *Logger {
	if l == nil {
		return GetLogger()
	}
	return l
}

func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

func (l *Logger) IsVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

func (l *Logger) printf(level, format string, args ...interface{}) {
	l.out.Printf(level+l.prefix+format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.IsVerbose() {
		l.printf("[DEBUG] ", format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.printf("[INFO] ", format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.printf("[WARN] ", format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.printf("[ERROR] ", format, args...)
}

// SetVerboseMode sets the verbosity of the global logger and the flags of
// the standard log package, which third-party code may write to.
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
	if verbose {
		log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	} else {
		log.SetFlags(0)
	}
	log.SetOutput(os.Stderr)
}

// RotatingFile returns a size-rotated log file writer. Long-running
// sessions log here so the terminal stays free for the UI.
func RotatingFile(path string, maxSizeMB, maxBackups int) (io.WriteCloser, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand log path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   false,
	}, nil
}

// LogOperation runs fn and logs how long it took. Failures are logged as
// warnings, successes only in verbose mode.
func (l *Logger) LogOperation(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		l.Warn("%s failed after %s: %v", operation, elapsed, err)
		return err
	}
	l.Debug("%s took %s", operation, elapsed)
	return nil
}
