// Package conn owns the persistent bidirectional connection to the assistant
// backend: one logical channel per (subject, session) pair, named-event
// subscribe/unsubscribe, outbound sends with a pending queue, and the
// reconnect policy. Transport failures are absorbed here; only fatal
// authentication failures are reported upward.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"huddle/internal/wire"
)

// ErrAuthFailed marks a connection rejected by the backend's auth layer.
// It is terminal: the manager stops reconnecting and reports it upward.
var ErrAuthFailed = errors.New("authentication rejected by backend")

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives every inbound event of a subscribed type. Handlers run
// sequentially on the read goroutine, in registration order, so they never
// execute concurrently with each other.
type Handler func(wire.Envelope)

// Subscription identifies one registered listener for Off.
type Subscription struct {
	event string
	id    uint64
}

// DialConfig carries everything a Dialer needs to open the channel.
type DialConfig struct {
	URL       string
	SubjectID string
	SessionID string
}

// Transport is one open channel to the backend. Read and Write carry whole
// frames; the manager never sees partial messages.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a Transport. The default is the websocket dialer; tests
// substitute an in-memory implementation.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Transport, error)
}

// Options configures a Manager.
type Options struct {
	URL          string
	Dialer       Dialer        // defaults to the websocket dialer
	Logger       *zap.Logger   // defaults to a nop logger
	PingInterval time.Duration // keepalive cadence, default 20s
	WriteTimeout time.Duration // per-frame write deadline, default 5s
	BackoffMin   time.Duration // first reconnect delay, default 500ms
	BackoffMax   time.Duration // reconnect delay ceiling, default 15s
	OnFatal      func(error)   // invoked once when reconnecting is abandoned
}

func (o *Options) fillDefaults() {
	if o.Dialer == nil {
		o.Dialer = &WebsocketDialer{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Second
	}
}

type subscriber struct {
	id uint64
	fn Handler
}

type queuedFrame struct {
	seq   uint64
	user  bool // true for user-initiated sends, the queue pruning anchor
	frame []byte
}

// Manager multiplexes named events over one connection per (subject,
// session) pair. Constructed once per application instance and passed by
// reference; there is no ambient global.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	subjectID string
	sessionID string
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}

	listeners map[string][]subscriber
	nextSubID uint64

	pending []queuedFrame
	seq     uint64

	writeMu sync.Mutex
}

// NewManager creates a disconnected manager.
func NewManager(opts Options) *Manager {
	opts.fillDefaults()
	return &Manager{
		opts:      opts,
		logger:    opts.Logger.Named("conn"),
		listeners: make(map[string][]subscriber),
	}
}

// Connect establishes the connection for the given pair. Calling it again
// with the identical pair while a connection is live or being established is
// a no-op; a different pair tears the old connection down first. The actual
// dial happens on a background loop with exponential backoff, so Connect
// returns immediately.
func (m *Manager) Connect(subjectID, sessionID string) {
	m.mu.Lock()
	if m.state != StateDisconnected && m.subjectID == subjectID && m.sessionID == sessionID {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	// Tear down any previous pair outside the lock.
	if cancel != nil {
		cancel()
		<-done
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})

	m.mu.Lock()
	m.subjectID = subjectID
	m.sessionID = sessionID
	m.state = StateConnecting
	m.cancel = ctxCancel
	m.done = loopDone
	m.mu.Unlock()

	m.logger.Info("connecting",
		zap.String("subject_id", subjectID),
		zap.String("session_id", sessionID))

	go m.run(ctx, DialConfig{URL: m.opts.URL, SubjectID: subjectID, SessionID: sessionID}, loopDone)
}

// Disconnect releases the connection and clears all listener registrations.
// Safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.subjectID, m.sessionID = "", ""
	m.listeners = make(map[string][]subscriber)
	m.pending = nil
	m.mu.Unlock()
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On registers a listener for a named event type. Multiple listeners per
// type are all invoked in registration order.
func (m *Manager) On(event string, fn Handler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	sub := Subscription{event: event, id: m.nextSubID}
	m.listeners[event] = append(m.listeners[event], subscriber{id: sub.id, fn: fn})
	return sub
}

// Off unregisters a listener. Safe during dispatch: the in-flight dispatch
// iterates over a snapshot, so remaining listeners are neither skipped nor
// duplicated.
func (m *Manager) Off(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.listeners[sub.event]
	for i, s := range subs {
		if s.id == sub.id {
			m.listeners[sub.event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Send enqueues an outbound event. If the connection is open the frame goes
// out immediately; otherwise it waits in the pending queue for the next
// (re)connect. Transient disconnects never surface as errors — only a
// payload that cannot be encoded does.
func (m *Manager) Send(event string, payload any) error {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.seq++
	q := queuedFrame{seq: m.seq, user: event == wire.EventUserMessage, frame: frame}
	t := m.transport
	connected := m.state == StateConnected && t != nil
	if !connected {
		m.pending = append(m.pending, q)
		m.mu.Unlock()
		m.logger.Debug("send queued while offline", zap.String("event", event))
		return nil
	}
	m.mu.Unlock()

	if err := m.write(t, frame); err != nil {
		m.logger.Warn("send failed, queueing for reconnect",
			zap.String("event", event), zap.Error(err))
		m.mu.Lock()
		m.pending = append(m.pending, q)
		m.mu.Unlock()
		// A broken pipe means the read pump is about to fail too; close the
		// transport so the reconnect loop takes over promptly.
		_ = t.Close()
	}
	return nil
}

func (m *Manager) write(t Transport, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()
	return t.Write(ctx, frame)
}

// run dials, pumps, and redials until the connection context is cancelled or
// a fatal error ends the session.
func (m *Manager) run(ctx context.Context, cfg DialConfig, done chan struct{}) {
	defer close(done)

	backoff := m.opts.BackoffMin
	for {
		t, err := m.opts.Dialer.Dial(ctx, cfg)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			if errors.Is(err, ErrAuthFailed) {
				m.logger.Error("fatal connection failure", zap.Error(err))
				m.setState(StateDisconnected)
				if m.opts.OnFatal != nil {
					m.opts.OnFatal(err)
				}
				return
			}
			m.logger.Warn("dial failed, retrying",
				zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				m.setState(StateDisconnected)
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, m.opts.BackoffMax)
			continue
		}
		backoff = m.opts.BackoffMin

		m.mu.Lock()
		m.transport = t
		m.state = StateConnected
		m.mu.Unlock()
		m.logger.Info("connected")

		m.flushPending(t)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return m.readPump(gctx, t) })
		g.Go(func() error { return m.keepalive(gctx, t) })
		err = g.Wait()
		_ = t.Close()

		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.setState(StateConnecting)
		m.logger.Warn("connection lost, reconnecting", zap.Error(err))
	}
}

// flushPending replays queued outbound frames after a (re)connect. Frames
// older than the most recent user-initiated send are dropped: a reconnect
// must not resurrect stale sends the user has already moved past.
func (m *Manager) flushPending(t Transport) {
	m.mu.Lock()
	queue := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(queue) == 0 {
		return
	}

	var anchor uint64
	for _, q := range queue {
		if q.user && q.seq > anchor {
			anchor = q.seq
		}
	}
	kept := queue[:0]
	for _, q := range queue {
		if q.seq >= anchor {
			kept = append(kept, q)
		}
	}
	if dropped := len(queue) - len(kept); dropped > 0 {
		m.logger.Info("dropped stale queued sends", zap.Int("count", dropped))
	}

	for i, q := range kept {
		if err := m.write(t, q.frame); err != nil {
			m.logger.Warn("flush interrupted, re-queueing remainder", zap.Error(err))
			m.mu.Lock()
			m.pending = append(append([]queuedFrame(nil), kept[i:]...), m.pending...)
			m.mu.Unlock()
			return
		}
	}
}

// readPump decodes inbound frames and dispatches them to listeners. Frames
// that fail to decode are dropped so a protocol addition on the backend can
// never wedge the client.
func (m *Manager) readPump(ctx context.Context, t Transport) error {
	for {
		raw, err := t.Read(ctx)
		if err != nil {
			return err
		}
		env, err := wire.Decode(raw)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		m.dispatch(env)
	}
}

// dispatch invokes every listener registered for the event, in registration
// order, over a snapshot taken at dispatch time. A listener unsubscribing
// itself mid-dispatch does not affect the remaining invocations.
func (m *Manager) dispatch(env wire.Envelope) {
	m.mu.Lock()
	snapshot := append([]subscriber(nil), m.listeners[env.Event]...)
	m.mu.Unlock()

	if len(snapshot) == 0 {
		m.logger.Debug("no listeners for event", zap.String("event", env.Event))
		return
	}
	for _, s := range snapshot {
		s.fn(env)
	}
}

func (m *Manager) keepalive(ctx context.Context, t Transport) error {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
			err := t.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
