// Package trace records a bounded debug trace of frame events for one
// pipeline.
//
// Each pipeline owns its Context, so traces of concurrent pipelines never
// mix. Tracing is disabled by default; Record on a disabled or nil
// Context is a no-op.
package trace

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the ring size when none is given.
const DefaultCapacity = 1024

// NoTimestamp marks an entry without a frame timestamp.
const NoTimestamp int64 = math.MinInt64

// Event names a traced operation.
type Event string

// Traced events.
const (
	EventRegisterStream  Event = "RegisterInputStream"
	EventRegisterFrame   Event = "RegisterInputFrame"
	EventFrameAvailable  Event = "FrameAvailable"
	EventQueueBitmap     Event = "QueueInputBitmap"
	EventQueueTexture    Event = "QueueInputTexture"
	EventSignalEOS       Event = "SignalEndOfInput"
	EventForcedEOS       Event = "ForcedEndOfStream"
	EventStreamEnded     Event = "InputStreamEnded"
	EventRenderFrame     Event = "RenderFrame"
	EventDropFrame       Event = "DropFrame"
	EventReleaseTexture  Event = "ReleaseTexture"
	EventOffloadHarvest  Event = "OffloadHarvest"
	EventFlush           Event = "Flush"
	EventSurfaceChanged  Event = "SetOutputSurfaceInfo"
	EventRenderRequested Event = "RenderOutputFrame"
)

// Entry is one recorded event.
type Entry struct {
	Seq         uint64
	Time        time.Time
	Event       Event
	TimestampUs int64
	Extra       string
}

// String formats the entry as one log line.
func (e Entry) String() string {
	ts := "-"
	if e.TimestampUs != NoTimestamp {
		ts = fmt.Sprintf("%dus", e.TimestampUs)
	}
	if e.Extra == "" {
		return fmt.Sprintf("%06d %s %-22s %s", e.Seq, e.Time.Format("15:04:05.000000"), e.Event, ts)
	}
	return fmt.Sprintf("%06d %s %-22s %s %s", e.Seq, e.Time.Format("15:04:05.000000"), e.Event, ts, e.Extra)
}

// Option configures a Context.
type Option func(*Context)

// WithCapacity sets the ring size.
func WithCapacity(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.ring = make([]Entry, n)
		}
	}
}

// WithEnabled sets the initial enabled state.
func WithEnabled(enabled bool) Option {
	return func(c *Context) {
		c.enabled.Store(enabled)
	}
}

// Context is the trace of one pipeline. It is safe for concurrent use.
type Context struct {
	id      string
	enabled atomic.Bool

	mu      sync.Mutex
	session string
	ring    []Entry
	next    int
	full    bool
	seq     uint64
}

// New creates a disabled trace for pipeline id.
func New(id string, opts ...Option) *Context {
	c := &Context{
		id:      id,
		session: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ring == nil {
		c.ring = make([]Entry, DefaultCapacity)
	}
	return c
}

// ID returns the pipeline id.
func (c *Context) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// Session returns the id of the current recording session. Reset starts
// a new one.
func (c *Context) Session() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetEnabled turns recording on or off.
func (c *Context) SetEnabled(enabled bool) {
	if c != nil {
		c.enabled.Store(enabled)
	}
}

// Enabled reports whether events are recorded.
func (c *Context) Enabled() bool {
	return c != nil && c.enabled.Load()
}

// Record appends an event. The oldest entry is overwritten once the ring
// is full.
func (c *Context) Record(ev Event, timestampUs int64, extra string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	c.seq++
	c.ring[c.next] = Entry{
		Seq:         c.seq,
		Time:        time.Now(),
		Event:       ev,
		TimestampUs: timestampUs,
		Extra:       extra,
	}
	c.next++
	if c.next == len(c.ring) {
		c.next = 0
		c.full = true
	}
	c.mu.Unlock()
}

// Recordf is Record with a formatted extra field. Formatting is skipped
// while disabled.
func (c *Context) Recordf(ev Event, timestampUs int64, format string, args ...any) {
	if !c.Enabled() {
		return
	}
	c.Record(ev, timestampUs, fmt.Sprintf(format, args...))
}

// Len returns the number of retained entries.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return len(c.ring)
	}
	return c.next
}

// Snapshot returns the retained entries, oldest first.
func (c *Context) Snapshot() []Entry {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		return append([]Entry(nil), c.ring[:c.next]...)
	}
	out := make([]Entry, 0, len(c.ring))
	out = append(out, c.ring[c.next:]...)
	return append(out, c.ring[:c.next]...)
}

// Reset drops every entry and starts a new session.
func (c *Context) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	clear(c.ring)
	c.next, c.full, c.seq = 0, false, 0
	c.session = uuid.New().String()
	c.mu.Unlock()
}

// Dump writes the retained entries to w, one per line.
func (c *Context) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "# pipeline %s session %s\n", c.ID(), c.Session()); err != nil {
		return err
	}
	for _, e := range c.Snapshot() {
		if _, err := fmt.Fprintln(w, e.String()); err != nil {
			return err
		}
	}
	return nil
}
