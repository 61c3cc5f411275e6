// Package client assembles the streaming engine: connection manager,
// timeline store, message assembly, and presence indicator, behind one
// handle. The rendering layer reads timeline snapshots and presence flags;
// the input layer calls Send.
package client

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"huddle/internal/assembly"
	"huddle/internal/config"
	"huddle/internal/conn"
	"huddle/internal/presence"
	"huddle/internal/timeline"
	"huddle/internal/wire"
)

// ErrEmptyMessage rejects a send with no content.
var ErrEmptyMessage = errors.New("empty message")

// Client is one conversational session against the backend.
type Client struct {
	logger   *zap.Logger
	conn     *conn.Manager
	store    *timeline.Store
	presence *presence.Indicator
	asm      *assembly.Assembler
}

// Options configures a Client beyond the file config.
type Options struct {
	Config config.Config
	Logger *zap.Logger
	Dialer conn.Dialer // test override; nil means websocket
	// OnFatal is invoked when the connection fails terminally (auth).
	OnFatal func(error)
}

// New wires the engine together. Connect starts the transport.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := timeline.NewStore(logger)
	ind := presence.New(
		presence.WithDecay(opts.Config.Presence.Decay.Std()),
		presence.WithOnChange(store.Notify),
	)

	mgr := conn.NewManager(conn.Options{
		URL:          opts.Config.Server.URL,
		Dialer:       opts.Dialer,
		Logger:       logger,
		PingInterval: opts.Config.Connection.PingInterval.Std(),
		WriteTimeout: opts.Config.Connection.WriteTimeout.Std(),
		BackoffMin:   opts.Config.Connection.BackoffMin.Std(),
		BackoffMax:   opts.Config.Connection.BackoffMax.Std(),
		OnFatal:      opts.OnFatal,
	})

	asm := assembly.New(store, ind, logger,
		assembly.WithAbandonTimeout(opts.Config.Stream.AbandonTimeout.Std()))
	asm.Bind(mgr)

	return &Client{
		logger:   logger.Named("client"),
		conn:     mgr,
		store:    store,
		presence: ind,
		asm:      asm,
	}
}

// Connect opens the channel for the authenticated subject and session.
// Idempotent for an identical pair; see conn.Manager.Connect.
func (c *Client) Connect(subjectID, sessionID string) {
	c.conn.Connect(subjectID, sessionID)
}

// Close tears down the assembler and the connection.
func (c *Client) Close() {
	c.asm.Close()
	c.presence.Stop()
	c.conn.Disconnect()
}

// Send appends the user's message to the timeline and ships it to the
// backend. The conversation identifier is resolved before the send, so the
// first message of a session establishes identity exactly once.
func (c *Client) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	convID := c.store.EnsureConversationID()
	c.store.AppendMessage(timeline.Message{
		Role:    timeline.RoleUser,
		Content: text,
	})
	c.store.ClearSuggestions()

	return c.conn.Send(wire.EventUserMessage, wire.UserMessagePayload{
		Message:        text,
		ConversationID: convID,
	})
}

// Messages returns a snapshot of the conversation in display order.
func (c *Client) Messages() []timeline.Message { return c.store.Messages() }

// IsStreaming reports whether an assistant message is currently streaming.
func (c *Client) IsStreaming() bool { return c.store.IsStreamingAny() }

// Suggestions returns the current follow-up suggestions.
func (c *Client) Suggestions() []string { return c.store.CurrentSuggestions() }

// ConversationID returns the established conversation identifier, or "".
func (c *Client) ConversationID() string { return c.store.ConversationID() }

// Thinking reports the thinking presence flag.
func (c *Client) Thinking() bool { return c.presence.Thinking() }

// Speaking reports the speaking presence flag.
func (c *Client) Speaking() bool { return c.presence.Speaking() }

// ConnectionState reports the transport lifecycle state.
func (c *Client) ConnectionState() conn.State { return c.conn.State() }

// Watch returns a channel signalled after every timeline mutation.
func (c *Client) Watch() <-chan struct{} { return c.store.Watch() }
