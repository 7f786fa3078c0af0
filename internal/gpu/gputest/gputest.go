// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gputest opens GPU contexts on the noop HAL backend for tests.
package gputest

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/framepipe/internal/gpu"
)

// NewContext opens a noop device and returns a context that is closed
// when the test ends.
func NewContext(tb testing.TB, opts ...gpu.ContextOption) *gpu.Context {
	tb.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		tb.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		tb.Fatalf("Open failed: %v", err)
	}
	tb.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})

	ctx, err := gpu.NewContext(openDev.Device, openDev.Queue, opts...)
	if err != nil {
		tb.Fatalf("NewContext failed: %v", err)
	}
	return ctx
}
