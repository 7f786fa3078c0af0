// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package effect

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
)

//go:embed shaders/matrix.wgsl
var matrixShaderSource string

// matrixUniformSize is two mat4x4<f32>.
const matrixUniformSize = 2 * 16 * 4

// quadVertices is a full-screen triangle strip in NDC.
var quadVertices = [8]float32{-1, -1, 1, -1, -1, 1, 1, 1}

// MatrixConfig configures a MatrixProgram.
type MatrixConfig struct {
	Label string

	// Transforms are pixel-space matrices applied in order. The output is
	// the bounding box of the transformed input.
	Transforms []geom.Matrix

	// OutputSize, when valid, fixes the output size. The transformed
	// input is scaled to fit inside it, preserving aspect ratio.
	OutputSize frame.Size

	// Format is the render target format. Defaults to gpu.FormatSDR.
	Format gputypes.TextureFormat
}

// MatrixProgram draws its input as a transformed textured quad.
type MatrixProgram struct {
	ctx    *gpu.Context
	config MatrixConfig

	res        gpu.RenderResources
	layout     hal.BindGroupLayout
	pipeline   hal.RenderPipeline
	sampler    hal.Sampler
	vertexBuf  hal.Buffer
	uniformBuf hal.Buffer

	texTransform geom.Matrix
	ndc          geom.Matrix
	in, out      frame.Size
	dirty        bool

	retired []retiredGroup
}

// retiredGroup is a bind group kept alive until its submission completes.
type retiredGroup struct {
	group hal.BindGroup
	fence gpu.Fence
}

// NewMatrixProgram returns an unconfigured matrix program. GPU objects
// are created on the first Configure.
func NewMatrixProgram(ctx *gpu.Context, config MatrixConfig) *MatrixProgram {
	if config.Format == gputypes.TextureFormatUndefined {
		config.Format = gpu.FormatSDR
	}
	if config.Label == "" {
		config.Label = "matrix"
	}
	return &MatrixProgram{
		ctx:          ctx,
		config:       config,
		texTransform: geom.Identity(),
		ndc:          geom.Identity(),
	}
}

// SetTexTransform sets the matrix applied to texture coordinates before
// sampling. Used by the sampler stage for per-frame source transforms.
func (p *MatrixProgram) SetTexTransform(m geom.Matrix) {
	if p.texTransform != m {
		p.texTransform = m
		p.dirty = true
	}
}

// Configure computes the output size and the NDC transform for inputs of
// size in.
func (p *MatrixProgram) Configure(in frame.Size) (frame.Size, error) {
	if !in.IsValid() {
		return frame.Size{}, fmt.Errorf("%w: %dx%d", frame.ErrInvalidGeometry, in.Width, in.Height)
	}
	m := geom.Identity()
	for _, t := range p.config.Transforms {
		m = t.Multiply(m)
	}
	out := m.OutputSize(in)
	if !out.IsValid() {
		return frame.Size{}, fmt.Errorf("%w: transform maps %dx%d to %dx%d",
			frame.ErrInvalidGeometry, in.Width, in.Height, out.Width, out.Height)
	}
	ndc := geom.Scale(2/float64(out.Width), 2/float64(out.Height)).
		Multiply(m).
		Multiply(geom.Scale(float64(in.Width)/2, float64(in.Height)/2))
	if fixed := p.config.OutputSize; fixed.IsValid() {
		sx, sy := geom.Fit(out, fixed)
		ndc = geom.Scale(sx, sy).Multiply(ndc)
		out = fixed
	}

	if err := p.ensurePipeline(); err != nil {
		return frame.Size{}, err
	}
	p.in, p.out, p.ndc = in, out, ndc
	p.dirty = true
	return out, nil
}

// NDC returns the position transform of the current configuration.
func (p *MatrixProgram) NDC() geom.Matrix { return p.ndc }

// Render draws in into out.
func (p *MatrixProgram) Render(in, out *gpu.Texture) (gpu.Fence, error) {
	if p.pipeline == nil {
		return 0, ErrNotConfigured
	}
	p.reap()
	if p.dirty {
		if err := p.ctx.Queue().WriteBuffer(p.uniformBuf, 0, p.uniformBytes()); err != nil {
			return 0, fmt.Errorf("%s: write uniforms: %w", p.config.Label, err)
		}
		p.dirty = false
	}
	inView, err := in.View()
	if err != nil {
		return 0, err
	}
	outView, err := out.View()
	if err != nil {
		return 0, err
	}
	group, err := p.ctx.Device().CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  p.config.Label + "_bind",
		Layout: p.layout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{
				Buffer: p.uniformBuf.NativeHandle(), Offset: 0, Size: matrixUniformSize,
			}},
			{Binding: 1, Resource: gputypes.TextureViewBinding{TextureView: inView.NativeHandle()}},
			{Binding: 2, Resource: gputypes.SamplerBinding{Sampler: p.sampler.NativeHandle()}},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: create bind group: %w", p.config.Label, err)
	}

	fence, err := p.ctx.Submit(p.config.Label, func(enc hal.CommandEncoder) error {
		rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{
			Label: p.config.Label + "_pass",
			ColorAttachments: []hal.RenderPassColorAttachment{{
				View:       outView,
				LoadOp:     gputypes.LoadOpClear,
				StoreOp:    gputypes.StoreOpStore,
				ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 1},
			}},
		})
		rp.SetPipeline(p.pipeline)
		rp.SetBindGroup(0, group, nil)
		rp.SetVertexBuffer(0, p.vertexBuf, 0)
		rp.Draw(4, 1, 0, 0)
		rp.End()
		return nil
	})
	if err != nil {
		p.ctx.Device().DestroyBindGroup(group)
		return 0, err
	}
	p.retired = append(p.retired, retiredGroup{group: group, fence: fence})
	return fence, nil
}

// Release destroys every GPU object of the program.
func (p *MatrixProgram) Release() {
	for _, r := range p.retired {
		p.ctx.Device().DestroyBindGroup(r.group)
	}
	p.retired = nil
	p.res.Destroy()
	p.layout, p.pipeline, p.sampler = nil, nil, nil
	p.vertexBuf, p.uniformBuf = nil, nil
}

// reap destroys bind groups whose submissions completed.
func (p *MatrixProgram) reap() {
	kept := p.retired[:0]
	for _, r := range p.retired {
		if p.ctx.Signalled(r.fence) {
			p.ctx.Device().DestroyBindGroup(r.group)
			continue
		}
		kept = append(kept, r)
	}
	p.retired = kept
}

func (p *MatrixProgram) uniformBytes() []byte {
	buf := make([]byte, matrixUniformSize)
	for i, v := range p.ndc.Uniform() {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	for i, v := range p.texTransform.Uniform() {
		binary.LittleEndian.PutUint32(buf[64+i*4:], math.Float32bits(v))
	}
	return buf
}

// ensurePipeline creates the shader, layouts, sampler, buffers and
// pipeline once.
func (p *MatrixProgram) ensurePipeline() error {
	if p.pipeline != nil {
		return nil
	}
	device := p.ctx.Device()
	label := p.config.Label
	p.res.Device = device

	shader, err := p.ctx.ShaderModule(label+"_shader", matrixShaderSource)
	if err != nil {
		return fmt.Errorf("compile %s shader: %w", label, err)
	}
	p.res.ShaderModule = shader

	// Binding 0: uniforms (vertex), 1: input texture, 2: sampler.
	layout, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: label + "_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageVertex,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			},
		},
	})
	if err != nil {
		p.res.Destroy()
		return fmt.Errorf("create %s layout: %w", label, err)
	}
	p.res.BindLayouts = append(p.res.BindLayouts, layout)

	pipeLayout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{layout},
	})
	if err != nil {
		p.res.Destroy()
		return fmt.Errorf("create %s pipeline layout: %w", label, err)
	}
	p.res.PipelineLayout = pipeLayout

	sampler, err := device.CreateSampler(&hal.SamplerDescriptor{
		Label:        label + "_sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeLinear,
	})
	if err != nil {
		p.res.Destroy()
		return fmt.Errorf("create %s sampler: %w", label, err)
	}
	p.res.Samplers = append(p.res.Samplers, sampler)

	vertexBuf, err := p.createBuffer(label+"_verts", 4*len(quadVertices),
		gputypes.BufferUsageVertex|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	vertexData := make([]byte, 4*len(quadVertices))
	for i, v := range quadVertices {
		binary.LittleEndian.PutUint32(vertexData[i*4:], math.Float32bits(v))
	}
	if err := p.ctx.Queue().WriteBuffer(vertexBuf, 0, vertexData); err != nil {
		p.res.Destroy()
		return fmt.Errorf("upload %s vertices: %w", label, err)
	}
	uniformBuf, err := p.createBuffer(label+"_uniforms", matrixUniformSize,
		gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}

	pipeline, err := device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  label + "_pipeline",
		Layout: pipeLayout,
		Vertex: hal.VertexState{
			Module:     shader,
			EntryPoint: "vs_main",
			Buffers: []gputypes.VertexBufferLayout{{
				ArrayStride: 8,
				StepMode:    gputypes.VertexStepModeVertex,
				Attributes: []gputypes.VertexAttribute{
					{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
				},
			}},
		},
		Fragment: &hal.FragmentState{
			Module:     shader,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{{
				Format:    p.config.Format,
				WriteMask: gputypes.ColorWriteMaskAll,
			}},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleStrip,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		p.res.Destroy()
		return fmt.Errorf("create %s pipeline: %w", label, err)
	}
	p.res.Pipelines = append(p.res.Pipelines, pipeline)

	p.layout, p.pipeline, p.sampler = layout, pipeline, sampler
	p.vertexBuf, p.uniformBuf = vertexBuf, uniformBuf
	return nil
}

func (p *MatrixProgram) createBuffer(label string, size int, usage gputypes.BufferUsage) (hal.Buffer, error) {
	buf, err := p.ctx.Device().CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  uint64(size), //nolint:gosec // G115: size is a small constant
		Usage: usage,
	})
	if err != nil {
		p.res.Destroy()
		return nil, fmt.Errorf("create %s: %w", label, err)
	}
	p.res.Buffers = append(p.res.Buffers, buf)
	return buf, nil
}
