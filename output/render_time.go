// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package output

import (
	"fmt"

	"github.com/gogpu/framepipe/timing"
)

type renderKind uint8

const (
	renderNow renderKind = iota
	renderDrop
	renderAt
)

// RenderTime tells a manually paced terminal what to do with the oldest
// buffered frame.
type RenderTime struct {
	kind   renderKind
	timeNs int64
}

var (
	// RenderImmediately releases the frame as soon as it is rendered.
	RenderImmediately = RenderTime{kind: renderNow}

	// RenderDrop releases the frame without rendering it.
	RenderDrop = RenderTime{kind: renderDrop}
)

// RenderAt releases the frame at clock time ns.
func RenderAt(ns int64) RenderTime {
	return RenderTime{kind: renderAt, timeNs: ns}
}

// IsDrop reports whether the frame is discarded.
func (r RenderTime) IsDrop() bool { return r.kind == renderDrop }

// TimeNs returns the release time of RenderAt, or false.
func (r RenderTime) TimeNs() (int64, bool) {
	return r.timeNs, r.kind == renderAt
}

// action maps the render time to the equivalent release action.
func (r RenderTime) action() timing.Action {
	switch r.kind {
	case renderDrop:
		return timing.Drop
	case renderAt:
		return timing.ReleaseScheduled
	default:
		return timing.ReleaseNow
	}
}

// String returns a short description for logs.
func (r RenderTime) String() string {
	switch r.kind {
	case renderDrop:
		return "drop"
	case renderAt:
		return fmt.Sprintf("at %dns", r.timeNs)
	default:
		return "immediately"
	}
}
