// Package applog sets up structured logging the way the teacher's
// pkg/log does for its TUI: logrus, JSON-formatted, level driven by
// config/env, generalized here from a single GUI-debug-log file to a
// service logger that writes to stderr in production and optionally to
// a file on disk when LOG_FORMAT requests plain text for local
// debugging.
package applog

import (
	"os"
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/sirupsen/logrus"

	"github.com/cuemby/sandboxctl/internal/config"
)

// New builds the base logger for the process. Every component derives
// request/operation-scoped entries from it via WithField(s).
func New(cfg config.Config) *logrus.Entry {
	log := logrus.New()
	log.SetLevel(level(cfg.LogLevel))

	switch cfg.LogFormat {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logDir := xdg.New("", "sandboxctl").CacheHome()
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(logDir, "sandboxctl.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				log.SetOutput(f)
			}
		}
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetOutput(os.Stderr)
	}

	return log.WithFields(logrus.Fields{
		"service": "sandboxctl",
	})
}

func level(name string) logrus.Level {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
