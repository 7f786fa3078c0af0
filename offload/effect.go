package offload

import (
	"log/slog"
	"time"

	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/stage"
)

// Effect adds an offload stage to a pipeline. Use it by pointer: two
// effect lists holding the same *Effect compare equal, so a new input
// stream with unchanged effects keeps its chain.
type Effect[R any] struct {
	// Depth is the number of tasks allowed in flight. Defaults to 1.
	Depth int

	// HarvestTimeout bounds one blocking harvest.
	HarvestTimeout time.Duration

	// NewProcessor creates the processor for a new stage.
	NewProcessor func(ctx *gpu.Context) (Processor[R], error)

	Logger   *slog.Logger
	Observer Observer
}

var _ stage.Effect = (*Effect[struct{}])(nil)

// NewStage implements stage.Effect.
func (e *Effect[R]) NewStage(ctx *gpu.Context, hdr bool) (stage.Stage, error) {
	p, err := e.NewProcessor(ctx)
	if err != nil {
		return nil, err
	}
	depth := e.Depth
	if depth < 1 {
		depth = 1
	}
	s, err := NewStage(ctx, p, Config{
		Depth:          depth,
		HarvestTimeout: e.HarvestTimeout,
		HDR:            hdr,
		Logger:         e.Logger,
		Observer:       e.Observer,
	})
	if err != nil {
		_ = p.Release()
		return nil, err
	}
	return s, nil
}
