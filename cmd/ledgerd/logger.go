// logger.go - Structured and audit logging for ledgerd
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"batchledger/internal/config"
)

// Logger is the process logger plus a separate audit trail for disclosure unlocks, freezes and
// finalize failures.
type Logger struct {
	*logrus.Logger
	audit *logrus.Logger
	files []*os.File
}

// NewLogger builds the console/file logger and the audit logger described by cfg.
// Relative file names are placed under dataDir.
func NewLogger(cfg config.LoggingConfig, console io.Writer, dataDir string) (*Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	l := &Logger{Logger: logrus.New()}
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.SetOutput(console)

	if cfg.File != "" {
		f, err := l.open(resolve(dataDir, cfg.File))
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.SetOutput(io.MultiWriter(console, f))
	}

	l.audit = logrus.New()
	l.audit.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	l.audit.SetOutput(io.Discard)
	if cfg.AuditFile != "" {
		f, err := l.open(resolve(dataDir, cfg.AuditFile))
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.audit.SetOutput(f)
	}
	return l, nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func (l *Logger) open(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	l.files = append(l.files, f)
	return f, nil
}

// Close closes the log files.
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}

// Audit records one audit event. It is also logged at warn level.
func (l *Logger) Audit(event string, details logrus.Fields) {
	l.audit.WithFields(details).Info(event)
	l.WithFields(details).Warn("audit: " + event)
}
