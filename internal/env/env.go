// Package env holds the engine context handed to every component constructor.
package env

import (
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/wheelibin/goveed/internal/config"
)

type Env struct {
	Logger *log.Logger
	Config *config.Config
	Now    func() time.Time
}

func New(logger *log.Logger, cfg *config.Config) *Env {
	return &Env{Logger: logger, Config: cfg, Now: time.Now}
}

// Component returns a copy of the env whose logger is prefixed with the component name
func (e *Env) Component(name string) *Env {
	c := *e
	c.Logger = e.Logger.WithPrefix(name)
	return &c
}

// ForTest builds an env with a quiet logger and a fixed clock
func ForTest(cfg *config.Config, now time.Time) *Env {
	logger := log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
	return &Env{Logger: logger, Config: cfg, Now: func() time.Time { return now }}
}

// ParseLevel maps a configured level name to a log level, defaulting to info
func ParseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	}
	return log.InfoLevel
}
