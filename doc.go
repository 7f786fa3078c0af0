// Package framepipe processes video frames on the GPU.
//
// # Overview
//
// A Pipeline takes frames from one of three inputs, runs them through a
// chain of GPU stages and hands them to an output. Frames stay on the GPU
// from input to output; every stage owns a fixed pool of textures and
// tells its upstream neighbour how many more frames it can take.
//
// # Quick Start
//
//	import "github.com/gogpu/framepipe"
//
//	gctx, err := gpu.FromProvider(app)
//	p, err := framepipe.New(gctx, framepipe.WithTiming())
//	defer p.Release()
//
//	p.OnEnded(func(framepipe.EndedEvent) { close(done) })
//	p.SetOutputSurfaceInfo(&output.SurfaceInfo{Surface: s, Width: 1280, Height: 720})
//
//	p.RegisterInputStream(framepipe.InputStreamDescriptor{
//	    Type:    framepipe.InputBitmap,
//	    Format:  frame.Format{Size: frame.Size{Width: 640, Height: 480}},
//	    Effects: []stage.Effect{effect.ScaleAndRotate{SX: 2, SY: 2}},
//	})
//	p.QueueInputBitmap(img, source.FrameTiming{DurationUs: 1_000_000, FrameRate: 30})
//	p.SignalEndOfInput()
//
// # Inputs
//
// Surface input latches buffers from an external source such as a
// decoder (see WithExternalSource). Bitmap input uploads images and
// repeats them at a frame rate. Texture input queues caller-owned
// textures and hands them back through WithTextureReleaseCallback.
//
// Input is organized in streams. RegisterInputStream starts a stream
// with its own format and effect list. Registering the next stream ends
// the current one; the next starts once every frame of the current one
// has left the pipeline.
//
// # Outputs
//
// Frames are presented on a surface, or rendered into a texture pool and
// handed to a TextureConsumer (see WithTextureOutput). Release is paced by
// the timing engine (WithTiming), by the caller (WithManualPacing), or
// happens as soon as a frame arrives.
//
// # Threading
//
// All GPU work runs on a single processing goroutine per pipeline. Events
// are delivered on subscriber goroutines, never on the processing
// goroutine.
package framepipe

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
