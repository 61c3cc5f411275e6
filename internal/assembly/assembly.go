// Package assembly interprets inbound events and turns them into timeline
// mutations. It is the only writer of conversational state: tokens
// accumulate into a streaming message, metadata reconciles against whichever
// message it belongs to regardless of arrival order, and terminal events
// finalize the stream. Each assistant turn moves through a small state
// machine — empty, streaming, finalized — and every event category is a
// transition that tolerates any interleaving without losing data or
// duplicating messages.
package assembly

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"huddle/internal/conn"
	"huddle/internal/presence"
	"huddle/internal/timeline"
	"huddle/internal/wire"
)

// DefaultAbandonTimeout finalizes a stream that stops receiving tokens and
// never sees a terminal event. The backend contract has no such timeout; it
// exists so a dropped terminal frame cannot leave a message streaming forever.
const DefaultAbandonTimeout = 45 * time.Second

// RetrySuggestion is attached when a generation error is recoverable.
const RetrySuggestion = "Try that again"

// Assembler binds connection events to the timeline store and presence
// indicator. Handlers run on the connection's dispatch goroutine and are
// serialized against the abandon timer by the assembler's own lock.
type Assembler struct {
	logger   *zap.Logger
	store    *timeline.Store
	presence *presence.Indicator

	mu           sync.Mutex
	abandonAfter time.Duration
	abandonTimer *time.Timer
	subs         []conn.Subscription
	bound        *conn.Manager
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithAbandonTimeout overrides the local stream-abandon window. Zero or
// negative disables it.
func WithAbandonTimeout(d time.Duration) Option {
	return func(a *Assembler) { a.abandonAfter = d }
}

// New creates an Assembler writing to the given store and indicator.
func New(store *timeline.Store, ind *presence.Indicator, logger *zap.Logger, opts ...Option) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Assembler{
		logger:       logger.Named("assembly"),
		store:        store,
		presence:     ind,
		abandonAfter: DefaultAbandonTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bind subscribes the assembler to every event category it interprets.
func (a *Assembler) Bind(m *conn.Manager) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bound = m
	a.subs = []conn.Subscription{
		m.On(wire.EventAssistantThinking, a.handleThinking),
		m.On(wire.EventAssistantSpeaking, a.handleSpeaking),
		m.On(wire.EventAssistantToken, a.handleToken),
		m.On(wire.EventMessageMetadata, a.handleMetadata),
		m.On(wire.EventAssistantMessage, a.handleAtomic),
		m.On(wire.EventStreamComplete, a.handleComplete),
		m.On(wire.EventStreamError, a.handleError),
	}
}

// Close unsubscribes from the connection and stops the abandon timer.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bound != nil {
		for _, sub := range a.subs {
			a.bound.Off(sub)
		}
		a.subs = nil
		a.bound = nil
	}
	a.stopAbandonLocked()
}

func (a *Assembler) handleThinking(env wire.Envelope) {
	var p wire.ThinkingPayload
	if err := env.DecodeData(&p); err != nil {
		a.logger.Warn("dropping event", zap.Error(err))
		return
	}
	a.presence.SetThinking(p.IsThinking)
}

func (a *Assembler) handleSpeaking(env wire.Envelope) {
	var p wire.SpeakingPayload
	if err := env.DecodeData(&p); err != nil {
		a.logger.Warn("dropping event", zap.Error(err))
		return
	}
	a.presence.SetSpeaking(p.IsSpeaking)
}

// handleToken appends one fragment to the active stream, creating the
// streaming assistant message on the first token. Tokens apply strictly in
// receipt order; each event is exactly one append.
func (a *Assembler) handleToken(env wire.Envelope) {
	var p wire.TokenPayload
	if err := env.DecodeData(&p); err != nil {
		a.logger.Warn("dropping event", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.store.StreamingID()
	if id == "" {
		id = a.store.AppendMessage(timeline.Message{
			Role:        timeline.RoleAssistant,
			IsStreaming: true,
		})
		a.logger.Debug("stream opened", zap.String("id", id))
	}
	a.store.AppendToken(id, p.Content)
	a.rearmAbandonLocked()
}

// handleMetadata attaches rich content, UI commands, and suggestions to the
// streaming message, or — when the terminal event already closed it — to the
// most recently finalized message. Metadata is never dropped for arriving
// on the wrong side of the completion event.
func (a *Assembler) handleMetadata(env wire.Envelope) {
	var p wire.MetadataPayload
	if err := env.DecodeData(&p); err != nil {
		a.logger.Warn("dropping event", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.attachLocked(timeline.Metadata{
		RichContent: p.RichContent,
		UICommands:  p.UICommands,
		Suggestions: p.Suggestions,
	})
}

func (a *Assembler) attachLocked(md timeline.Metadata) {
	id := a.store.StreamingID()
	if id == "" {
		id = a.store.LastFinalizedID()
	}
	if id == "" {
		a.logger.Warn("metadata with no message to attach to, dropped")
		return
	}
	a.store.SetMetadata(id, md)
}

// handleAtomic processes a complete, non-streamed assistant message. With a
// stream active it only merges the metadata — the content is already flowing
// token by token and appending it again would duplicate the message. With no
// stream active it appends a finalized message outright.
func (a *Assembler) handleAtomic(env wire.Envelope) {
	var p wire.AssistantMessagePayload
	if err := env.DecodeData(&p); err != nil {
		a.logger.Warn("dropping event", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.store.AdoptConversationID(p.ConversationID)

	md := timeline.Metadata{
		RichContent: p.RichContent,
		UICommands:  p.UICommands,
		Suggestions: p.Suggestions,
	}
	if id := a.store.StreamingID(); id != "" {
		a.store.SetMetadata(id, md)
		return
	}
	a.store.AppendMessage(timeline.Message{
		Role:        timeline.RoleAssistant,
		Content:     p.Message,
		RichContent: md.RichContent,
		UICommands:  md.UICommands,
		Suggestions: md.Suggestions,
	})
}

// handleComplete finalizes the stream and lowers the presence flags. It does
// not touch metadata; that arrives on its own event, before or after this one.
func (a *Assembler) handleComplete(wire.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store.FinalizeStream()
	a.presence.Clear()
	a.stopAbandonLocked()
}

// handleError closes the stream while preserving whatever partial content is
// already visible, then appends a system message describing the failure. A
// recoverable error carries a single retry suggestion so the input affordance
// can offer another attempt.
func (a *Assembler) handleError(env wire.Envelope) {
	var p wire.ErrorPayload
	if err := env.DecodeData(&p); err != nil {
		a.logger.Warn("dropping event", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.store.FinalizeStream()
	a.presence.Clear()
	a.stopAbandonLocked()

	msg := timeline.Message{
		Role:    timeline.RoleSystem,
		Content: p.Error,
	}
	if p.Recoverable {
		msg.Suggestions = []string{RetrySuggestion}
	}
	a.store.AppendMessage(msg)
	a.logger.Warn("generation error surfaced",
		zap.String("error", p.Error), zap.Bool("recoverable", p.Recoverable))
}

// rearmAbandonLocked restarts the local watchdog after each token. When it
// fires with the stream still open, the stream is finalized with the content
// received so far rather than left streaming forever.
func (a *Assembler) rearmAbandonLocked() {
	a.stopAbandonLocked()
	if a.abandonAfter <= 0 {
		return
	}
	a.abandonTimer = time.AfterFunc(a.abandonAfter, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if id := a.store.StreamingID(); id != "" {
			a.logger.Warn("stream abandoned, finalizing locally", zap.String("id", id))
			a.store.FinalizeStream()
			a.presence.Clear()
		}
	})
}

func (a *Assembler) stopAbandonLocked() {
	if a.abandonTimer != nil {
		a.abandonTimer.Stop()
		a.abandonTimer = nil
	}
}
