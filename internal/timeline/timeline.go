// Package timeline holds the ordered conversation state: the message list,
// the in-progress stream pointer, the active suggestion set, and the logical
// conversation identifier. The store is the single writer of conversational
// state; everything else reads snapshots.
package timeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle/internal/wire"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn in the conversation. Content is append-only while
// IsStreaming is true and frozen once the stream finalizes.
type Message struct {
	ID          string
	Role        Role
	Content     string
	RichContent []wire.RichContentBlock
	UICommands  []wire.UICommand
	Suggestions []string
	IsStreaming bool
	Timestamp   time.Time
}

// Metadata is the out-of-band portion of a message, attached wholesale.
type Metadata struct {
	RichContent []wire.RichContentBlock
	UICommands  []wire.UICommand
	Suggestions []string
}

// Store is the conversation timeline. All mutations are synchronous and
// total: malformed ids degrade to no-ops rather than errors, so a racing
// event can never wedge the timeline.
type Store struct {
	mu     sync.RWMutex
	logger *zap.Logger

	messages []Message
	index    map[string]int // message id -> position in messages

	streamingID     string // id of the in-progress assistant message, "" when idle
	lastFinalizedID string // most recently finalized message, for late metadata

	conversationID string
	suggestions    []string

	watchers []chan struct{}
}

// NewStore creates an empty timeline.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger: logger.Named("timeline"),
		index:  make(map[string]int),
	}
}

// AppendMessage assigns a fresh id and timestamp, inserts the message at the
// end of the timeline, and returns the assigned id. A message appended with
// IsStreaming=true becomes the active stream; any previous stream is
// finalized first so at most one message is ever streaming. A finalized
// message with non-empty suggestions refreshes the current suggestion set.
func (s *Store) AppendMessage(msg Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = uuid.NewString()
	msg.Timestamp = time.Now()

	if msg.IsStreaming {
		if s.streamingID != "" {
			s.logger.Warn("new stream superseding active stream",
				zap.String("active_id", s.streamingID))
			s.finalizeLocked()
		}
		s.streamingID = msg.ID
	} else if msg.Role == RoleAssistant {
		// Only assistant turns take late metadata; user and system appends
		// never shadow the most recently finalized assistant message.
		s.lastFinalizedID = msg.ID
	}
	if len(msg.Suggestions) > 0 {
		s.suggestions = append([]string(nil), msg.Suggestions...)
	}

	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.notifyLocked()
	return msg.ID
}

// AppendToken concatenates text onto the message with the given id. Unknown
// ids and finalized messages are no-ops; tokens never rewrite frozen content.
func (s *Store) AppendToken(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		s.logger.Warn("token for unknown message dropped", zap.String("id", id))
		return
	}
	if !s.messages[i].IsStreaming {
		s.logger.Warn("token for finalized message dropped", zap.String("id", id))
		return
	}
	s.messages[i].Content += text
	s.notifyLocked()
}

// SetMetadata replaces rich content, UI commands, and suggestions wholesale
// on the message with the given id. Non-empty suggestions also refresh the
// timeline-level current suggestion set. Unknown ids are no-ops.
func (s *Store) SetMetadata(id string, md Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		s.logger.Warn("metadata for unknown message dropped", zap.String("id", id))
		return
	}
	s.messages[i].RichContent = append([]wire.RichContentBlock(nil), md.RichContent...)
	s.messages[i].UICommands = append([]wire.UICommand(nil), md.UICommands...)
	s.messages[i].Suggestions = append([]string(nil), md.Suggestions...)
	if len(md.Suggestions) > 0 {
		s.suggestions = append([]string(nil), md.Suggestions...)
	}
	s.notifyLocked()
}

// FinalizeStream marks the active streaming message as complete, freezing
// its content, and clears the stream pointer. Safe to call when no stream
// is active.
func (s *Store) FinalizeStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamingID == "" {
		return
	}
	s.finalizeLocked()
	s.notifyLocked()
}

func (s *Store) finalizeLocked() {
	if i, ok := s.index[s.streamingID]; ok {
		s.messages[i].IsStreaming = false
		s.lastFinalizedID = s.streamingID
	}
	s.streamingID = ""
}

// Reset clears the timeline for a brand-new conversation. This is the only
// implicit-state escape hatch; reconnects never call it.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.index = make(map[string]int)
	s.streamingID = ""
	s.lastFinalizedID = ""
	s.conversationID = ""
	s.suggestions = nil
	s.notifyLocked()
}

// EnsureConversationID returns the active conversation identifier, minting
// and storing one on first use. Every send of a session shares the result.
func (s *Store) EnsureConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" {
		s.conversationID = uuid.NewString()
		s.logger.Info("conversation id established",
			zap.String("conversation_id", s.conversationID))
	}
	return s.conversationID
}

// AdoptConversationID records a backend-supplied conversation identifier if
// none is established yet. An already-established identity wins; a
// conflicting id is logged and ignored.
func (s *Store) AdoptConversationID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.conversationID == "":
		s.conversationID = id
	case s.conversationID != id:
		s.logger.Warn("conflicting conversation id ignored",
			zap.String("active", s.conversationID),
			zap.String("incoming", id))
	}
}

// ConversationID returns the active conversation identifier, or "" if no
// send has established one yet.
func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Messages returns a snapshot copy of the timeline in display order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Message returns the message with the given id, if present.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// StreamingID returns the id of the in-progress message, or "" when idle.
func (s *Store) StreamingID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamingID
}

// LastFinalizedID returns the id of the most recently finalized message.
// Late metadata attaches here when no stream is active.
func (s *Store) LastFinalizedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFinalizedID
}

// IsStreamingAny reports whether any message is currently streaming.
func (s *Store) IsStreamingAny() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamingID != ""
}

// CurrentSuggestions returns the most recently received non-empty suggestion
// set, independent of which message produced it.
func (s *Store) CurrentSuggestions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.suggestions...)
}

// ClearSuggestions empties the current suggestion set, typically after the
// user acts on one.
func (s *Store) ClearSuggestions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions = nil
	s.notifyLocked()
}

// Watch returns a channel that receives a coalesced signal after every
// timeline mutation. Readers redraw from a fresh snapshot on each signal.
func (s *Store) Watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.watchers = append(s.watchers, ch)
	return ch
}

// Notify wakes watchers without a mutation. Collaborators whose state the
// renderer also displays (presence flags) use it to trigger a redraw.
func (s *Store) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyLocked()
}

func (s *Store) notifyLocked() {
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
