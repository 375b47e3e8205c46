// Package obs provides the logging and metrics surface shared across the
// ingestion core, adapted from internal/rag/obs onto zerolog.
package obs

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the narrow logging capability the core depends on. Components
// take a Logger rather than importing zerolog directly so tests can swap in
// a no-op or recording implementation.
type Logger interface {
	Info(msg string, kv map[string]any)
	Error(msg string, err error, kv map[string]any)
	Debug(msg string, kv map[string]any)
}

// ZerologLogger wraps a zerolog.Logger.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger builds a JSON logger writing to stdout, mirroring the
// teacher's persistence-layer logging idiom.
func NewZerologLogger(component string) *ZerologLogger {
	l := zerolog.New(os.Stdout).With().Timestamp().Str("component", component).Logger()
	return &ZerologLogger{log: l}
}

func (z *ZerologLogger) Info(msg string, kv map[string]any) {
	e := z.log.Info()
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (z *ZerologLogger) Error(msg string, err error, kv map[string]any) {
	e := z.log.Error().Err(err)
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (z *ZerologLogger) Debug(msg string, kv map[string]any) {
	e := z.log.Debug()
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

// NopLogger discards everything. Useful as a default so callers never need
// a nil check.
type NopLogger struct{}

func (NopLogger) Info(string, map[string]any)         {}
func (NopLogger) Error(string, error, map[string]any) {}
func (NopLogger) Debug(string, map[string]any)        {}
