package source

import (
	"errors"
	"fmt"

	"github.com/gogpu/framepipe/stage"
)

// ErrUnknownInput is returned when switching to an input that was never registered.
var ErrUnknownInput = errors.New("source: unknown input type")

// Switcher owns the inputs of one pipeline and keeps exactly one of
// their links into the sampler active.
type Switcher struct {
	chain   *stage.Chain
	sampler int

	inputs map[InputType]Input
	links  map[InputType]*stage.Link

	active    InputType
	hasActive bool
}

// NewSwitcher creates a switcher feeding the sampler at arena index sampler.
func NewSwitcher(chain *stage.Chain, sampler int) *Switcher {
	return &Switcher{
		chain:   chain,
		sampler: sampler,
		inputs:  make(map[InputType]Input),
		links:   make(map[InputType]*stage.Link),
	}
}

// Register attaches in as the input of type t. Its link starts inactive.
func (s *Switcher) Register(t InputType, in Input) {
	l := s.chain.AttachSource(s.sampler, in)
	in.Attach(l)
	s.inputs[t] = in
	s.links[t] = l
}

// SwitchTo makes t the live input. Capacity the sampler granted to the
// previous input moves to t.
func (s *Switcher) SwitchTo(t InputType) error {
	l, ok := s.links[t]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownInput, t)
	}
	if s.hasActive && s.active == t {
		return nil
	}
	first := !s.hasActive
	s.chain.Activate(l)
	s.active, s.hasActive = t, true
	if first {
		// Capacity announced while no link was active went nowhere.
		s.chain.Bind(s.sampler)
	}
	if l.Credit() > 0 {
		s.inputs[t].ConsumerReady()
	}
	return nil
}

// Active returns the live input type.
func (s *Switcher) Active() (InputType, bool) { return s.active, s.hasActive }

// Input returns the input of type t, or nil.
func (s *Switcher) Input(t InputType) Input { return s.inputs[t] }

// ActiveInput returns the live input, or nil.
func (s *Switcher) ActiveInput() Input {
	if !s.hasActive {
		return nil
	}
	return s.inputs[s.active]
}

// Release releases every input.
func (s *Switcher) Release() error {
	var errs []error
	for t, in := range s.inputs {
		if err := in.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %v input: %w", t, err))
		}
	}
	return errors.Join(errs...)
}
