package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"huddle/internal/wire"
)

// fakeTransport is an in-memory Transport scripted by tests. Inbound frames
// are pushed on the frames channel; outbound writes are recorded.
type fakeTransport struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errors.New("transport closed")
	case frame := <-f.frames:
		return frame, nil
	}
}

func (f *fakeTransport) Write(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) Ping(context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) sentEvents(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.writes))
	for _, w := range f.writes {
		env, err := wire.Decode(w)
		require.NoError(t, err)
		out = append(out, env.Event)
	}
	return out
}

// fakeDialer hands out scripted transports and counts dials.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dialErrs   []error // consumed before successful dials
	dials      int
}

func (d *fakeDialer) Dial(_ context.Context, _ DialConfig) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		return nil, err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < len(d.transports) {
		return d.transports[i]
	}
	return nil
}

func newTestManager(d Dialer) *Manager {
	return NewManager(Options{
		URL:          "ws://test.invalid/events",
		Dialer:       d,
		PingInterval: time.Hour, // keepalive out of the way unless a test wants it
		BackoffMin:   5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
	})
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, time.Second, time.Millisecond)
}

func TestConnect_IdempotentForSamePair(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Disconnect()

	m.Connect("subject-1", "session-1")
	waitConnected(t, m)
	m.Connect("subject-1", "session-1")
	m.Connect("subject-1", "session-1")

	// Give any accidental second loop a moment to dial.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "repeated Connect with the same pair must keep one connection")
}

func TestConnect_NewPairReplacesConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Disconnect()

	m.Connect("subject-1", "session-1")
	waitConnected(t, m)
	m.Connect("subject-1", "session-2")
	waitConnected(t, m)

	assert.Equal(t, 2, d.dialCount())
	select {
	case <-d.transport(0).closed:
	case <-time.After(time.Second):
		t.Fatal("old transport was not closed on pair change")
	}
}

func TestDisconnect_SafeWhenAlreadyDisconnected(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := newTestManager(&fakeDialer{})
	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDispatch_ListenersRunInRegistrationOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Disconnect()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	m.On("greeting", func(wire.Envelope) { mu.Lock(); order = append(order, "first"); mu.Unlock() })
	m.On("greeting", func(wire.Envelope) { mu.Lock(); order = append(order, "second"); mu.Unlock() })
	m.On("greeting", func(wire.Envelope) {
		mu.Lock()
		order = append(order, "third")
		mu.Unlock()
		close(done)
	})

	m.Connect("s", "s")
	waitConnected(t, m)
	d.transport(0).frames <- []byte(`{"event":"greeting"}`)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listeners not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestOff_DuringDispatchDoesNotSkipListeners(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Disconnect()

	var mu sync.Mutex
	var calls []string
	done := make(chan struct{})

	var self Subscription
	self = m.On("tick", func(wire.Envelope) {
		mu.Lock()
		calls = append(calls, "unsubscriber")
		mu.Unlock()
		m.Off(self) // a listener may unsubscribe itself mid-dispatch
	})
	var doneOnce sync.Once
	m.On("tick", func(wire.Envelope) {
		mu.Lock()
		calls = append(calls, "survivor")
		mu.Unlock()
		doneOnce.Do(func() { close(done) })
	})

	m.Connect("s", "s")
	waitConnected(t, m)
	d.transport(0).frames <- []byte(`{"event":"tick"}`)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not complete")
	}

	// Second dispatch: the unsubscribed listener must be gone.
	done2 := make(chan struct{})
	m.On("tick", func(wire.Envelope) { close(done2) })
	d.transport(0).frames <- []byte(`{"event":"tick"}`)
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("second dispatch did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"unsubscriber", "survivor", "survivor"}, calls)
}

func TestSend_WhileOfflineQueuesUntilConnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Disconnect()

	require.NoError(t, m.Send(wire.EventUserMessage, wire.UserMessagePayload{Message: "hello"}))

	m.Connect("s", "s")
	waitConnected(t, m)
	require.Eventually(t, func() bool {
		return len(d.transport(0).sentEvents(t)) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{wire.EventUserMessage}, d.transport(0).sentEvents(t))
}

func TestReconnect_DropsSendsOlderThanLastUserAction(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Disconnect()

	// Queued while offline: two stale user sends, then the latest one, then a
	// trailing non-user event that must survive.
	require.NoError(t, m.Send(wire.EventUserMessage, wire.UserMessagePayload{Message: "stale 1"}))
	require.NoError(t, m.Send(wire.EventUserMessage, wire.UserMessagePayload{Message: "stale 2"}))
	require.NoError(t, m.Send(wire.EventUserMessage, wire.UserMessagePayload{Message: "latest"}))
	require.NoError(t, m.Send("client_signal", map[string]string{"kind": "focus"}))

	m.Connect("s", "s")
	waitConnected(t, m)

	require.Eventually(t, func() bool {
		return len(d.transport(0).sentEvents(t)) == 2
	}, time.Second, time.Millisecond)

	tr := d.transport(0)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var first wire.UserMessagePayload
	env, err := wire.Decode(tr.writes[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(env.Data, &first))
	assert.Equal(t, "latest", first.Message)
}

func TestReconnect_AfterTransportFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Disconnect()

	m.Connect("s", "s")
	waitConnected(t, m)

	d.transport(0).Close() // simulate unexpected closure

	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && m.State() == StateConnected
	}, time.Second, time.Millisecond, "manager should redial with the last-known pair")
}

func TestDial_RetriesWithBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &fakeDialer{dialErrs: []error{
		fmt.Errorf("connection refused"),
		fmt.Errorf("connection refused"),
	}}
	m := newTestManager(d)
	defer m.Disconnect()

	m.Connect("s", "s")
	waitConnected(t, m)
	assert.Equal(t, 3, d.dialCount())
}

func TestDial_AuthFailureIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)
	fatal := make(chan error, 1)
	d := &fakeDialer{dialErrs: []error{fmt.Errorf("%w: handshake status 401", ErrAuthFailed)}}
	m := NewManager(Options{
		URL:        "ws://test.invalid/events",
		Dialer:     d,
		BackoffMin: time.Millisecond,
		OnFatal:    func(err error) { fatal <- err },
	})
	defer m.Disconnect()

	m.Connect("s", "s")

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrAuthFailed)
	case <-time.After(time.Second):
		t.Fatal("fatal auth failure was not reported")
	}
	assert.Equal(t, 1, d.dialCount(), "auth failures must not be retried")
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDisconnect_ClearsListeners(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &fakeDialer{}
	m := newTestManager(d)

	called := make(chan struct{}, 1)
	m.On("ev", func(wire.Envelope) { called <- struct{}{} })

	m.Connect("s", "s")
	waitConnected(t, m)
	m.Disconnect()

	m.Connect("s", "s")
	waitConnected(t, m)
	defer m.Disconnect()
	d.transport(1).frames <- []byte(`{"event":"ev"}`)

	select {
	case <-called:
		t.Fatal("listener survived Disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUndecodableFramesAreDropped(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Disconnect()

	got := make(chan struct{})
	m.On("after", func(wire.Envelope) { close(got) })

	m.Connect("s", "s")
	waitConnected(t, m)
	d.transport(0).frames <- []byte(`not json at all`)
	d.transport(0).frames <- []byte(`{"data":{"no":"event"}}`)
	d.transport(0).frames <- []byte(`{"event":"after"}`)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("connection wedged by undecodable frame")
	}
	assert.Equal(t, StateConnected, m.State())
}
