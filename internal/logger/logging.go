package logger

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls logger behavior.
type Config struct {
	Verbose   bool   // pretty output for development
	Level     string // debug|info|warn|error
	Component string // component/service name
	Out       io.Writer
	TimeFunc  func() time.Time // injected for deterministic tests
}

var (
	mu   sync.RWMutex
	root = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Setup configures the global zerolog logger and returns a component-scoped logger.
// It sets timestamps and ensures every log line includes "component".
func Setup(cfg Config) zerolog.Logger {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.TimeFunc == nil {
		cfg.TimeFunc = time.Now
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = cfg.TimeFunc

	level := parseLevel(cfg.Level)

	var w io.Writer = cfg.Out
	if cfg.Verbose {
		// Pretty printing for development
		w = zerolog.ConsoleWriter{
			Out:        cfg.Out,
			TimeFormat: time.RFC3339Nano,
		}
	}

	base := zerolog.New(w).Level(level).With().Timestamp().Logger()

	mu.Lock()
	root = base
	mu.Unlock()

	scoped := base.With().Str("component", cfg.Component).Logger()
	log.Logger = scoped
	return scoped
}

// Component returns a child of the configured logger tagged with name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		// safest default
		return zerolog.InfoLevel
	}
}

// NewBuffer is a helper for tests.
func NewBuffer() *bytes.Buffer { return new(bytes.Buffer) }
