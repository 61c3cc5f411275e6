// Package presence tracks the thinking/speaking indicator flags. The flags
// are driven by their own event types and carry no ordering dependency on
// message assembly: a thinking spinner may show before any streaming message
// exists.
package presence

import (
	"sync"
	"time"
)

// Indicator holds the two presence booleans. An optional decay window clears
// a flag that the backend forgot to lower, so a lost terminal event cannot
// leave a spinner stuck forever.
type Indicator struct {
	mu       sync.Mutex
	thinking bool
	speaking bool

	decay    time.Duration
	timer    *time.Timer
	onChange func()
}

// Option configures an Indicator.
type Option func(*Indicator)

// WithDecay clears both flags after d of inactivity. Zero disables decay.
func WithDecay(d time.Duration) Option {
	return func(i *Indicator) { i.decay = d }
}

// WithOnChange installs a callback invoked after every flag transition.
func WithOnChange(fn func()) Option {
	return func(i *Indicator) { i.onChange = fn }
}

// New creates an Indicator with both flags lowered.
func New(opts ...Option) *Indicator {
	i := &Indicator{}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// SetThinking raises or lowers the thinking flag.
func (i *Indicator) SetThinking(v bool) {
	i.set(func() { i.thinking = v })
}

// SetSpeaking raises or lowers the speaking flag.
func (i *Indicator) SetSpeaking(v bool) {
	i.set(func() { i.speaking = v })
}

// Clear lowers both flags, as on stream completion or error.
func (i *Indicator) Clear() {
	i.set(func() {
		i.thinking = false
		i.speaking = false
	})
}

// Thinking reports the thinking flag.
func (i *Indicator) Thinking() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.thinking
}

// Speaking reports the speaking flag.
func (i *Indicator) Speaking() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.speaking
}

// Busy reports whether either flag is raised.
func (i *Indicator) Busy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.thinking || i.speaking
}

// Stop releases the decay timer. The indicator stays usable afterwards.
func (i *Indicator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

func (i *Indicator) set(mutate func()) {
	i.mu.Lock()
	mutate()
	active := i.thinking || i.speaking
	i.rearmLocked(active)
	fn := i.onChange
	i.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// rearmLocked restarts the decay timer while any flag is raised.
func (i *Indicator) rearmLocked(active bool) {
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	if !active || i.decay <= 0 {
		return
	}
	i.timer = time.AfterFunc(i.decay, i.Clear)
}
