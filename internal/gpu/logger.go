// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"log/slog"
	"sync/atomic"
)

var (
	logger  atomic.Pointer[slog.Logger]
	discard = slog.New(slog.DiscardHandler)
)

// SetLogger sets the logger for device and texture lifecycle messages.
// nil silences them.
func SetLogger(l *slog.Logger) { logger.Store(l) }

func slogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return discard
}
