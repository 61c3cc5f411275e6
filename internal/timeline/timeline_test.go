package timeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"huddle/internal/wire"
)

func TestAppendToken_ConcatenatesInOrder(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())

	id := s.AppendMessage(Message{Role: RoleAssistant, IsStreaming: true})
	for _, tok := range []string{"Hel", "lo", ", ", "wor", "ld"} {
		s.AppendToken(id, tok)
	}

	msg, ok := s.Message(id)
	require.True(t, ok)
	assert.Equal(t, "Hello, world", msg.Content)
	assert.True(t, msg.IsStreaming)
}

func TestAppendToken_UnknownIDIsNoop(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())
	s.AppendToken("no-such-id", "text")
	assert.Empty(t, s.Messages())
}

func TestAppendToken_FrozenAfterFinalize(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())

	id := s.AppendMessage(Message{Role: RoleAssistant, IsStreaming: true})
	s.AppendToken(id, "final")
	s.FinalizeStream()
	s.AppendToken(id, " more")

	msg, _ := s.Message(id)
	assert.Equal(t, "final", msg.Content, "content must be frozen after finalization")
	assert.False(t, msg.IsStreaming)
}

func TestAtMostOneStreamingMessage(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())

	first := s.AppendMessage(Message{Role: RoleAssistant, IsStreaming: true})
	second := s.AppendMessage(Message{Role: RoleAssistant, IsStreaming: true})

	streaming := 0
	for _, m := range s.Messages() {
		if m.IsStreaming {
			streaming++
		}
	}
	assert.Equal(t, 1, streaming)
	assert.Equal(t, second, s.StreamingID())

	// The superseded stream is finalized, not dropped.
	old, ok := s.Message(first)
	require.True(t, ok)
	assert.False(t, old.IsStreaming)
}

func TestSetMetadata_ReplacesWholesale(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())

	id := s.AppendMessage(Message{Role: RoleAssistant, IsStreaming: true})
	s.SetMetadata(id, Metadata{
		RichContent: []wire.RichContentBlock{{Type: "chart", Payload: json.RawMessage(`{"x":1}`)}},
		UICommands:  []wire.UICommand{{Command: "open_panel"}},
		Suggestions: []string{"first"},
	})
	s.SetMetadata(id, Metadata{
		Suggestions: []string{"second"},
	})

	msg, _ := s.Message(id)
	assert.Empty(t, msg.RichContent, "metadata replaces, never merges")
	assert.Empty(t, msg.UICommands)
	assert.Equal(t, []string{"second"}, msg.Suggestions)
	assert.Equal(t, []string{"second"}, s.CurrentSuggestions())
}

func TestSetMetadata_EmptySuggestionsKeepCurrent(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())

	id := s.AppendMessage(Message{Role: RoleAssistant, IsStreaming: true})
	s.SetMetadata(id, Metadata{Suggestions: []string{"keep me"}})
	s.SetMetadata(id, Metadata{RichContent: []wire.RichContentBlock{{Type: "table"}}})

	assert.Equal(t, []string{"keep me"}, s.CurrentSuggestions(),
		"empty suggestion sets must not clobber the current ones")
}

func TestEnsureConversationID_StableAcrossCalls(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())

	first := s.EnsureConversationID()
	second := s.EnsureConversationID()
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestAdoptConversationID_EstablishedIdentityWins(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())

	s.AdoptConversationID("from-backend")
	assert.Equal(t, "from-backend", s.ConversationID())

	s.AdoptConversationID("a-different-one")
	assert.Equal(t, "from-backend", s.ConversationID())

	s.AdoptConversationID("")
	assert.Equal(t, "from-backend", s.ConversationID())
}

func TestAppendMessage_ReadBackIsImmutable(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())

	id := s.AppendMessage(Message{Role: RoleUser, Content: "hello there"})
	msg, ok := s.Message(id)
	require.True(t, ok)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "hello there", msg.Content)
	assert.False(t, msg.Timestamp.IsZero())

	// Mutating the snapshot must not leak back into the store.
	snap := s.Messages()
	snap[0].Content = "tampered"
	again, _ := s.Message(id)
	assert.Equal(t, "hello there", again.Content)
	assert.Equal(t, msg.Timestamp, again.Timestamp)
}

func TestLastFinalized_TracksAssistantTurnsOnly(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())

	id := s.AppendMessage(Message{Role: RoleAssistant, IsStreaming: true})
	s.FinalizeStream()
	assert.Equal(t, id, s.LastFinalizedID())

	s.AppendMessage(Message{Role: RoleUser, Content: "next question"})
	s.AppendMessage(Message{Role: RoleSystem, Content: "notice"})
	assert.Equal(t, id, s.LastFinalizedID(),
		"user and system appends must not shadow the last assistant turn")

	atomic := s.AppendMessage(Message{Role: RoleAssistant, Content: "atomic"})
	assert.Equal(t, atomic, s.LastFinalizedID())
}

func TestFinalizeStream_NoStreamIsNoop(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())
	s.FinalizeStream()
	assert.False(t, s.IsStreamingAny())
}

func TestReset_ClearsEverything(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())

	s.EnsureConversationID()
	s.AppendMessage(Message{Role: RoleAssistant, IsStreaming: true, Suggestions: []string{"x"}})
	s.Reset()

	assert.Empty(t, s.Messages())
	assert.Empty(t, s.ConversationID())
	assert.Empty(t, s.CurrentSuggestions())
	assert.False(t, s.IsStreamingAny())
}

func TestWatch_SignalsOnMutation(t *testing.T) {
	t.Parallel()
	s := NewStore(zap.NewNop())
	ch := s.Watch()

	s.AppendMessage(Message{Role: RoleUser, Content: "ping"})
	select {
	case <-ch:
	default:
		t.Fatal("expected a watch signal after mutation")
	}
}
