// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"fmt"
	"sync"
)

// Memory management errors.
var (
	// ErrMemoryBudgetExceeded is returned when allocation would exceed budget.
	ErrMemoryBudgetExceeded = errors.New("gpu: memory budget exceeded")
)

// Default memory limits.
const (
	// DefaultMaxMemoryMB is the default maximum texture memory budget (512 MB).
	DefaultMaxMemoryMB = 512

	// MinMemoryMB is the minimum allowed memory budget (16 MB).
	MinMemoryMB = 16
)

// MemoryStats contains texture memory usage statistics.
type MemoryStats struct {
	// TotalBytes is the total memory budget in bytes.
	TotalBytes uint64

	// UsedBytes is the currently allocated memory in bytes.
	UsedBytes uint64

	// PeakBytes is the highest UsedBytes observed.
	PeakBytes uint64

	// Allocations is the number of live allocations.
	Allocations int

	// Utilization is the fraction of budget used (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d MB, peak %d MB, %d textures]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.TotalBytes/(1024*1024),
		s.PeakBytes/(1024*1024),
		s.Allocations)
}

// MemoryManagerConfig holds configuration for creating a MemoryManager.
type MemoryManagerConfig struct {
	// MaxMemoryMB is the maximum memory budget in megabytes.
	// Defaults to DefaultMaxMemoryMB if below MinMemoryMB.
	MaxMemoryMB int
}

// MemoryManager enforces a budget on texture allocations. Pipeline
// buffers live in fixed-capacity pools and are never evicted, so the
// manager refuses allocations instead of reclaiming.
//
// MemoryManager is safe for concurrent use.
type MemoryManager struct {
	mu sync.Mutex

	budgetBytes uint64
	usedBytes   uint64
	peakBytes   uint64
	allocations int
}

// NewMemoryManager creates a memory manager with the configured budget.
func NewMemoryManager(config MemoryManagerConfig) *MemoryManager {
	maxMB := config.MaxMemoryMB
	if maxMB < MinMemoryMB {
		maxMB = DefaultMaxMemoryMB
	}
	//nolint:gosec // G115: maxMB is bounded by MinMemoryMB minimum
	return &MemoryManager{budgetBytes: uint64(maxMB) * 1024 * 1024}
}

// Reserve charges size bytes against the budget.
func (m *MemoryManager) Reserve(size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usedBytes+size > m.budgetBytes {
		return fmt.Errorf("%w: need %d KB, %d/%d KB in use",
			ErrMemoryBudgetExceeded, size/1024, m.usedBytes/1024, m.budgetBytes/1024)
	}
	m.usedBytes += size
	m.allocations++
	if m.usedBytes > m.peakBytes {
		m.peakBytes = m.usedBytes
	}
	return nil
}

// Free returns size bytes to the budget.
func (m *MemoryManager) Free(size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size > m.usedBytes {
		size = m.usedBytes
	}
	m.usedBytes -= size
	if m.allocations > 0 {
		m.allocations--
	}
}

// Stats returns current memory usage statistics.
func (m *MemoryManager) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var utilization float64
	if m.budgetBytes > 0 {
		utilization = float64(m.usedBytes) / float64(m.budgetBytes)
	}
	return MemoryStats{
		TotalBytes:  m.budgetBytes,
		UsedBytes:   m.usedBytes,
		PeakBytes:   m.peakBytes,
		Allocations: m.allocations,
		Utilization: utilization,
	}
}
