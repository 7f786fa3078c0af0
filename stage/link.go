package stage

import (
	"fmt"

	"github.com/gogpu/framepipe/frame"
)

// Link carries frames from one producer to one consumer. Frames the
// producer emits wait in a FIFO until the consumer has announced
// capacity for them. An inactive link delivers nothing and holds end of
// stream until it is activated.
type Link struct {
	chain         *Chain
	producer      Producer
	producerIndex int
	consumer      int

	active  bool
	removed bool
	credit  int
	pending []frame.Frame
	ended   bool

	granted   uint64
	delivered uint64
}

// LinkStats is a snapshot of link counters.
type LinkStats struct {
	Credit    int
	Pending   int
	Granted   uint64
	Delivered uint64
	Active    bool
}

// Credit returns the capacity the consumer announced and not yet used.
func (l *Link) Credit() int { return l.credit }

// Pending returns the number of frames waiting for consumer capacity.
func (l *Link) Pending() int { return len(l.pending) }

// IsActive reports whether the link delivers frames.
func (l *Link) IsActive() bool { return l.active }

// Consumer returns the arena index of the consuming stage.
func (l *Link) Consumer() int { return l.consumer }

// Stats returns the link counters.
func (l *Link) Stats() LinkStats {
	return LinkStats{
		Credit:    l.credit,
		Pending:   len(l.pending),
		Granted:   l.granted,
		Delivered: l.delivered,
		Active:    l.active,
	}
}

// Feed delivers f directly to the consumer. It fails without taking
// ownership when the link is inactive or has no credit. Sources use Feed
// so that a frame they cannot hand off stays in their own queue.
func (l *Link) Feed(f frame.Frame) error {
	if l.removed || !l.active || l.credit == 0 || len(l.pending) > 0 {
		return fmt.Errorf("%w: link into stage %d", ErrNoCredit, l.consumer)
	}
	l.deliver(f)
	return nil
}

// Produce queues f for the consumer, delivering it immediately when
// capacity allows.
func (l *Link) Produce(f frame.Frame) { l.produce(f) }

// ProducerEnded signals end of stream from an out-of-arena producer.
func (l *Link) ProducerEnded() { l.producerEnded() }

func (l *Link) produce(f frame.Frame) {
	if l.removed {
		l.chain.enter(func() { l.producer.ReleaseOutputFrame(f) })
		return
	}
	l.pending = append(l.pending, f)
	l.drain()
}

func (l *Link) producerEnded() {
	l.ended = true
	l.drain()
}

// consumerReady records one unit of capacity.
func (l *Link) consumerReady() {
	l.credit++
	l.granted++
	if len(l.pending) > 0 {
		l.drain()
		return
	}
	if cl, ok := l.producer.(CreditListener); ok && l.active {
		cl.ConsumerReady()
	}
}

// consumerFlushed drops undelivered frames and revokes credit. The
// producer reclaims the dropped frames when it flushes; the consumer
// re-announces capacity afterwards.
func (l *Link) consumerFlushed() {
	clear(l.pending)
	l.pending = nil
	l.credit = 0
	l.ended = false
	l.producer.Flush()
}

func (l *Link) drain() {
	if !l.active || l.removed {
		return
	}
	for l.credit > 0 && len(l.pending) > 0 {
		f := l.pending[0]
		l.pending[0] = frame.Frame{}
		l.pending = l.pending[1:]
		l.deliver(f)
	}
	if l.ended && len(l.pending) == 0 {
		l.ended = false
		l.chain.enter(func() {
			if s := l.chain.Stage(l.consumer); s != nil {
				s.SignalEndOfCurrentInputStream()
			}
		})
	}
}

// deliver spends one credit on f. The consumer receives it once no other
// stage call is running.
func (l *Link) deliver(f frame.Frame) {
	if l.chain.Stage(l.consumer) == nil {
		l.chain.enter(func() { l.producer.ReleaseOutputFrame(f) })
		return
	}
	l.credit--
	l.delivered++
	l.chain.recordOrigin(l, f)
	l.chain.enter(func() {
		if s := l.chain.Stage(l.consumer); s != nil {
			s.QueueInputFrame(f)
			return
		}
		l.producer.ReleaseOutputFrame(f)
	})
}
