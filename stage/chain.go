package stage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/framepipe/frame"
)

// Producer is the upstream end of a link. Stages are producers; source
// adapters that live outside the arena are producers too.
type Producer interface {
	// ReleaseOutputFrame returns ownership of a frame the consumer is done with.
	ReleaseOutputFrame(f frame.Frame)

	// Flush is called after the consumer flushed.
	Flush()
}

// CreditListener is implemented by producers that only dispatch while
// the consumer has capacity. ConsumerReady is called when a link gains
// credit with no frames pending.
type CreditListener interface {
	ConsumerReady()
}

// ChainConfig configures a Chain.
type ChainConfig struct {
	// OnError receives stage failures with the arena index of the stage.
	OnError func(index int, err error)

	// OnEnded is called when a stage without a downstream link ends its
	// output stream.
	OnEnded func(index int)

	// Strict makes protocol violations panic.
	Strict bool

	Logger *slog.Logger
}

// Chain is an arena of stages connected by links. Stages keep their
// index for the lifetime of the chain; links are replaced when the
// effect list changes.
type Chain struct {
	config ChainConfig
	logger *slog.Logger

	stages  []Stage
	links   []*Link
	origins map[int][]origin

	// calls holds stage calls made while another stage call runs.
	calls []func()
	busy  bool
}

// origin remembers which link delivered a frame so ownership returns
// along the same path.
type origin struct {
	link  *Link
	texID uint64
}

// NewChain creates an empty chain.
func NewChain(config ChainConfig) *Chain {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Chain{
		config:  config,
		logger:  logger,
		origins: make(map[int][]origin),
	}
}

// Add puts a stage into the arena and returns its index. The stage is
// bound once its upstream link exists; see Bind.
func (c *Chain) Add(s Stage) int {
	c.stages = append(c.stages, s)
	return len(c.stages) - 1
}

// Stage returns the stage at index, or nil if it was removed.
func (c *Chain) Stage(index int) Stage {
	if index < 0 || index >= len(c.stages) {
		return nil
	}
	return c.stages[index]
}

// Len returns the arena size, including removed slots.
func (c *Chain) Len() int { return len(c.stages) }

// Connect links producer stage to consumer stage. The link is active.
func (c *Chain) Connect(producer, consumer int) *Link {
	l := &Link{chain: c, producerIndex: producer, consumer: consumer, active: true}
	l.producer = c.stages[producer]
	c.links = append(c.links, l)
	return l
}

// AttachSource links an out-of-arena producer to consumer. The link starts
// inactive; activate it with Activate.
func (c *Chain) AttachSource(consumer int, p Producer) *Link {
	l := &Link{chain: c, producer: p, producerIndex: -1, consumer: consumer}
	c.links = append(c.links, l)
	return l
}

// Bind hands the stage at index its port, prompting it to announce
// capacity on its current upstream link.
func (c *Chain) Bind(index int) {
	if s := c.Stage(index); s != nil {
		s.Bind(&port{chain: c, index: index})
	}
}

// Remove deletes every link touching the stage at index and empties its
// slot. The caller releases the stage.
func (c *Chain) Remove(index int) error {
	kept := c.links[:0]
	var err error
	for _, l := range c.links {
		if l.consumer == index || l.producerIndex == index {
			if len(l.pending) > 0 {
				err = fmt.Errorf("%w: %d frames on link into stage %d", ErrLinkBusy, len(l.pending), l.consumer)
			}
			l.removed = true
			continue
		}
		kept = append(kept, l)
	}
	c.links = kept
	delete(c.origins, index)
	c.stages[index] = nil
	return err
}

// Rewire replaces the stages between from and to with middle, connected
// in order. The replaced stages leave the arena and are returned for the
// caller to release; from and to keep their indices. Rewire must only run
// while no frame is between from and to.
func (c *Chain) Rewire(from, to int, middle []Stage) (indices []int, removed []Stage, err error) {
	var old []int
	for cur := from; ; {
		l := c.downstream(cur)
		if l == nil || l.consumer == to || l.consumer == from {
			break
		}
		old = append(old, l.consumer)
		cur = l.consumer
	}
	var errs []error
	for _, idx := range old {
		removed = append(removed, c.stages[idx])
		errs = append(errs, c.Remove(idx))
	}
	kept := c.links[:0]
	for _, l := range c.links {
		if l.producerIndex == from && l.consumer == to {
			if len(l.pending) > 0 {
				errs = append(errs, fmt.Errorf("%w: %d frames on link into stage %d", ErrLinkBusy, len(l.pending), to))
			}
			l.removed = true
			continue
		}
		kept = append(kept, l)
	}
	c.links = kept

	prev := from
	indices = make([]int, len(middle))
	for i, s := range middle {
		indices[i] = c.Add(s)
		c.Connect(prev, indices[i])
		prev = indices[i]
	}
	c.Connect(prev, to)
	c.Bind(to)
	for i := len(indices) - 1; i >= 0; i-- {
		c.Bind(indices[i])
	}
	c.logger.Debug("stage: chain rewired", "removed", len(old), "added", len(middle))
	return indices, removed, errors.Join(errs...)
}

// Do runs fn as one outermost chain call. Stage calls that fn triggers
// run after it returns, in the order they were made.
func (c *Chain) Do(fn func()) { c.enter(fn) }

// enter runs fn unless a stage call is already running, in which case fn
// is queued behind it. A stage is never re-entered from its own port, so
// a frame handed back upstream cannot overtake the frame being emitted.
func (c *Chain) enter(fn func()) {
	c.calls = append(c.calls, fn)
	if c.busy {
		return
	}
	c.busy = true
	defer func() {
		c.busy = false
		if r := recover(); r != nil {
			c.calls = nil
			panic(r)
		}
	}()
	for len(c.calls) > 0 {
		next := c.calls[0]
		c.calls[0] = nil
		c.calls = c.calls[1:]
		next()
	}
}

// Activate makes l the only active link into its consumer. Credit the
// consumer granted to the previously active link moves to l.
func (c *Chain) Activate(l *Link) {
	moved := 0
	for _, other := range c.links {
		if other == l || other.consumer != l.consumer || !other.active {
			continue
		}
		other.active = false
		moved += other.credit
		other.credit = 0
	}
	l.active = true
	l.credit += moved
	l.drain()
}

// Links returns the links into consumer.
func (c *Chain) Links(consumer int) []*Link {
	var out []*Link
	for _, l := range c.links {
		if l.consumer == consumer {
			out = append(out, l)
		}
	}
	return out
}

func (c *Chain) activeUpstream(index int) *Link {
	for _, l := range c.links {
		if l.consumer == index && l.active {
			return l
		}
	}
	return nil
}

func (c *Chain) downstream(index int) *Link {
	for _, l := range c.links {
		if l.producerIndex == index {
			return l
		}
	}
	return nil
}

func (c *Chain) report(index int, err error) {
	if c.config.OnError != nil {
		c.config.OnError(index, err)
		return
	}
	c.logger.Error("stage error", "index", index, "err", err)
}

func (c *Chain) fault(index int, err error) {
	if c.config.Strict {
		panic(err)
	}
	c.report(index, err)
}

func (c *Chain) recordOrigin(l *Link, f frame.Frame) {
	var id uint64
	if f.Texture != nil {
		id = f.Texture.ID()
	}
	c.origins[l.consumer] = append(c.origins[l.consumer], origin{link: l, texID: id})
}

// takeOrigin finds the link that delivered f to consumer. Frames are
// normally processed in order, so the front entry usually matches.
func (c *Chain) takeOrigin(consumer int, f frame.Frame) *Link {
	list := c.origins[consumer]
	if len(list) == 0 {
		return nil
	}
	at := 0
	if f.Texture != nil {
		for i, o := range list {
			if o.texID == f.Texture.ID() {
				at = i
				break
			}
		}
	}
	l := list[at].link
	c.origins[consumer] = append(list[:at], list[at+1:]...)
	return l
}

// port implements Port for the stage at index.
type port struct {
	chain *Chain
	index int
}

func (p *port) ReadyForInput() {
	if l := p.chain.activeUpstream(p.index); l != nil {
		l.consumerReady()
	}
}

func (p *port) InputFrameProcessed(f frame.Frame) {
	l := p.chain.takeOrigin(p.index, f)
	if l == nil {
		p.chain.fault(p.index, fmt.Errorf("stage %d: processed %s it never received", p.index, f))
		return
	}
	p.chain.enter(func() {
		if !l.removed {
			l.producer.ReleaseOutputFrame(f)
		}
	})
}

func (p *port) Flushed() {
	delete(p.chain.origins, p.index)
	for _, l := range p.chain.Links(p.index) {
		l.consumerFlushed()
	}
}

func (p *port) OutputFrameAvailable(f frame.Frame) {
	l := p.chain.downstream(p.index)
	if l == nil {
		p.chain.fault(p.index, fmt.Errorf("%w: stage %d emitted %s", ErrNoDownstream, p.index, f))
		return
	}
	l.produce(f)
}

func (p *port) OutputStreamEnded() {
	if l := p.chain.downstream(p.index); l != nil {
		l.producerEnded()
		return
	}
	if p.chain.config.OnEnded != nil {
		p.chain.enter(func() { p.chain.config.OnEnded(p.index) })
	}
}

func (p *port) Error(err error) {
	p.chain.report(p.index, err)
}
