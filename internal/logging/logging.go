// Package logging configures the process-wide structured logger: leveled
// logrus output, size-based file rotation, and a hook that masks
// credential-bearing fields before any formatter or writer sees them.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"nonkyc-bot/internal/redact"
)

// Options mirror the logging block of the config file.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds the logger. An unparseable level falls back to info; an
// empty file path keeps output on stdout only.
func New(opts Options) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.AddHook(RedactHook{})

	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rotated))
	}
	return log
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// RedactHook masks sensitive fields on every entry, at every level. It
// runs before formatting, so raw credential material never reaches a
// sink even at debug verbosity.
type RedactHook struct{}

func (RedactHook) Levels() []logrus.Level { return logrus.AllLevels }

func (RedactHook) Fire(e *logrus.Entry) error {
	e.Data = redact.Fields(e.Data)
	for k, v := range e.Data {
		switch val := v.(type) {
		case string:
			e.Data[k] = redact.Scrub(val)
		case error:
			if val != nil {
				e.Data[k] = redact.Scrub(val.Error())
			}
		}
	}
	e.Message = redact.Scrub(e.Message)
	return nil
}
