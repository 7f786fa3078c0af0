// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpu wraps the gogpu HAL device used by a frame pipeline.
//
// A [Context] owns one hal.Device and hal.Queue. Every stage of a pipeline
// allocates its frame buffers, records copies and render passes, and waits
// on submissions through the same Context. Work is issued from the
// pipeline's processing goroutine only.
//
// Submissions are tracked with [Fence] values, which are queue submission
// indices. A fence is signalled once hal.Queue.PollCompleted reaches it.
//
// Key components:
//
//   - Context: device, queue, adapter traits (software adapters get longer timeouts)
//   - Texture: owned or wrapped texture with a unique ID and a lazily created view
//   - MemoryManager: budget accounting for pooled frame buffers
//   - CompileShaderToSPIRV / Context.ShaderModule: WGSL compilation through naga
package gpu
