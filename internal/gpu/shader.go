// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// CompileShaderToSPIRV compiles WGSL source to SPIR-V words.
func CompileShaderToSPIRV(wgslSource string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgslSource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile shader: %w", err)
	}

	// SPIR-V is little-endian 32-bit words
	spirvCode := make([]uint32, len(spirvBytes)/4)
	for i := range spirvCode {
		spirvCode[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return spirvCode, nil
}

// ShaderModule compiles WGSL once per context and creates a HAL shader
// module from the cached SPIR-V.
func (c *Context) ShaderModule(label, wgslSource string) (hal.ShaderModule, error) {
	code, err := c.shaders.getOrCompile(wgslSource)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return c.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: code},
	})
}

// RenderResources groups the HAL objects of one render program so they
// can be destroyed together.
type RenderResources struct {
	Device         hal.Device
	ShaderModule   hal.ShaderModule
	PipelineLayout hal.PipelineLayout
	BindLayouts    []hal.BindGroupLayout
	Pipelines      []hal.RenderPipeline
	Samplers       []hal.Sampler
	Buffers        []hal.Buffer
}

// Destroy cleans up all resources in reverse creation order.
// Destroy is safe to call more than once.
func (r *RenderResources) Destroy() {
	if r.Device == nil {
		return
	}
	for _, p := range r.Pipelines {
		if p != nil {
			r.Device.DestroyRenderPipeline(p)
		}
	}
	if r.PipelineLayout != nil {
		r.Device.DestroyPipelineLayout(r.PipelineLayout)
	}
	for _, l := range r.BindLayouts {
		if l != nil {
			r.Device.DestroyBindGroupLayout(l)
		}
	}
	for _, s := range r.Samplers {
		if s != nil {
			r.Device.DestroySampler(s)
		}
	}
	for _, b := range r.Buffers {
		if b != nil {
			r.Device.DestroyBuffer(b)
		}
	}
	if r.ShaderModule != nil {
		r.Device.DestroyShaderModule(r.ShaderModule)
	}
	*r = RenderResources{}
}
