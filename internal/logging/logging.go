// Package logging holds the process-wide logger.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	once      sync.Once
	singleton *log.Logger
	sessionID = uuid.NewString()
)

// Options configure the logger. They only take effect on the first call to Init.
type Options struct {
	Level string
	File  string
	Quiet bool
}

// Init builds the shared logger. Later calls return the existing one.
func Init(opts Options) *log.Logger {
	once.Do(func() {
		var writers []io.Writer
		if !opts.Quiet {
			writers = append(writers, os.Stderr)
		}
		if opts.File != "" {
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				LocalTime:  true,
				Compress:   true,
				MaxSize:    100,
				MaxAge:     7,
				MaxBackups: 3,
			})
		}
		if len(writers) == 0 {
			writers = append(writers, io.Discard)
		}

		l := log.NewWithOptions(io.MultiWriter(writers...), log.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Prefix:          "meshcam",
		})
		level, err := log.ParseLevel(opts.Level)
		if err != nil {
			level = log.InfoLevel
		}
		l.SetLevel(level)
		singleton = l.With("session", sessionID[:8])
	})
	return singleton
}

// L returns the shared logger, initialising it with defaults if needed.
func L() *log.Logger {
	return Init(Options{Level: "info"})
}

// SessionID identifies this process in logs and status responses.
func SessionID() string {
	return sessionID
}
