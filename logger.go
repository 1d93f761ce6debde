package detour

import (
	"io"
	"log/slog"
	"os"
)

// logger discards everything unless the host process opts in, either with
// SetLogger or by setting DETOUR_DEBUG in the environment.
var logger = defaultLogger()

func defaultLogger() *slog.Logger {
	if os.Getenv("DETOUR_DEBUG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SetLogger routes the package's diagnostics through l. Passing nil
// silences them again. Not safe to call while hooks are being installed
// or removed on other goroutines.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = l
}
