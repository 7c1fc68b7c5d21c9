// Package logging provides the process logger: leveled printf-style lines
// written to stderr and to a per-day file under the data directory.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Logger writes leveled log lines. The zero value discards everything.
type Logger struct {
	info *log.Logger
	warn *log.Logger
	err  *log.Logger
	file *os.File
}

// New opens (or appends to) logs/finbrief_YYYY-MM-DD.log under dir. When
// quiet is set only the file receives output.
func New(dir string, quiet bool) (*Logger, error) {
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(logDir, fmt.Sprintf("finbrief_%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	var w io.Writer = f
	if !quiet {
		w = io.MultiWriter(os.Stderr, f)
	}
	l := NewWriter(w)
	l.file = f
	return l, nil
}

// NewWriter returns a logger writing to w.
func NewWriter(w io.Writer) *Logger {
	return &Logger{
		info: log.New(w, "[INFO] ", log.Ldate|log.Ltime),
		warn: log.New(w, "[WARN] ", log.Ldate|log.Ltime),
		err:  log.New(w, "[ERROR] ", log.Ldate|log.Ltime),
	}
}

// Discard returns a logger that drops all output.
func Discard() *Logger {
	return NewWriter(io.Discard)
}

// Info logs a formatted message at INFO level. A nil Logger is a no-op.
func (l *Logger) Info(format string, v ...any) {
	if l != nil && l.info != nil {
		l.info.Output(2, fmt.Sprintf(format, v...))
	}
}

// Warn logs a formatted message at WARN level.
func (l *Logger) Warn(format string, v ...any) {
	if l != nil && l.warn != nil {
		l.warn.Output(2, fmt.Sprintf(format, v...))
	}
}

// Error logs a formatted message at ERROR level.
func (l *Logger) Error(format string, v ...any) {
	if l != nil && l.err != nil {
		l.err.Output(2, fmt.Sprintf(format, v...))
	}
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
