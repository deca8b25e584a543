package match

import (
	"log/slog"
	"os"
)

var logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "match")

// SetLogger replaces the package logger. A nil logger is ignored.
// Call it before creating the engine; order books capture a child logger at construction.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	logger = l.With("component", "match")
}
