// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// shaderCache keeps compiled SPIR-V keyed by a hash of the WGSL source.
// Programs are rebuilt whenever the output surface or transforms change,
// so compilation results are reused across rebuilds.
type shaderCache struct {
	mu      sync.RWMutex
	entries map[uint64][]uint32

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newShaderCache() *shaderCache {
	return &shaderCache{entries: make(map[uint64][]uint32)}
}

// sourceHash computes the FNV-1a hash of a shader source.
func sourceHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

func (c *shaderCache) getOrCompile(src string) ([]uint32, error) {
	key := sourceHash(src)

	c.mu.RLock()
	code, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return code, nil
	}

	c.misses.Add(1)
	code, err := CompileShaderToSPIRV(src)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = code
	c.mu.Unlock()
	return code, nil
}

// ShaderCacheStats returns the shader cache hit and miss counts.
func (c *Context) ShaderCacheStats() (hits, misses uint64) {
	return c.shaders.hits.Load(), c.shaders.misses.Load()
}
