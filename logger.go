package framepipe

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/framepipe/internal/gpu"
)

var (
	defaultLogger atomic.Pointer[slog.Logger]
	discardLogger = slog.New(slog.DiscardHandler)
)

// SetLogger installs the logger used by pipelines created afterwards
// without WithLogger, and by GPU resource diagnostics. nil silences
// both, which is the default.
//
// Pipelines log per-frame decisions at debug level, stream and surface
// changes at info, forced ends of stream and drain timeouts at warn, and
// resource failures at error.
func SetLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	gpu.SetLogger(l)
}

// Logger returns the logger installed by SetLogger. It never returns nil.
func Logger() *slog.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return discardLogger
}
