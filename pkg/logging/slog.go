package logging

import (
	"log/slog"
	"os"
)

// Slog adapts log/slog to the Logger interface. Grounded in
// MrWong99-glyphoxa/cmd/glyphoxa/main.go, the one complete example repo in
// the corpus that wires a structured logger directly in main().
type Slog struct {
	l *slog.Logger
}

// NewSlog builds a JSON slog.Logger at the given level ("debug", "info",
// "warn", "error"; unrecognized values fall back to "info").
func NewSlog(level string) *Slog {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return &Slog{l: slog.New(h)}
}

func (s *Slog) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *Slog) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *Slog) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *Slog) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }
