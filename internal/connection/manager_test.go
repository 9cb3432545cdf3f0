package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/protocol"
	"chatsync/pkg/config"
	apperrors "chatsync/pkg/errors"
)

// fakeTransport scripts Connect and Send outcomes and records every frame
// that made it onto the wire
type fakeTransport struct {
	mu          sync.Mutex
	connectErrs []error
	sendErrs    []error
	connects    int
	sent        []protocol.Envelope
	recvCh      chan protocol.Envelope
	errCh       chan error
	closed      bool
}

func newFakeTransport(connectErrs ...error) *fakeTransport {
	return &fakeTransport{
		connectErrs: connectErrs,
		recvCh:      make(chan protocol.Envelope, 16),
		errCh:       make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) failNextSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, err)
}

func (f *fakeTransport) Receive() <-chan protocol.Envelope { return f.recvCh }
func (f *fakeTransport) Errors() <-chan error              { return f.errCh }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.recvCh)
	}
	return nil
}

func (f *fakeTransport) drop(err error) {
	f.errCh <- err
}

func (f *fakeTransport) sentEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, env := range f.sent {
		out[i] = env.Event
	}
	return out
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// stateRecorder collects connection state transitions
type stateRecorder struct {
	mu     sync.Mutex
	states []domain.ConnectionState
	errs   []error
}

func (r *stateRecorder) listen(state domain.ConnectionState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	r.errs = append(r.errs, err)
}

func (r *stateRecorder) snapshot() []domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConnectionState(nil), r.states...)
}

func (r *stateRecorder) has(state domain.ConnectionState) bool {
	for _, s := range r.snapshot() {
		if s == state {
			return true
		}
	}
	return false
}

func testConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		BackoffBase:    time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
		MaxAttempts:    5,
		SendTimeout:    time.Second,
		ConnectTimeout: time.Second,
		SendBufferSize: 8,
	}
}

func retryableErr() error {
	return apperrors.New(apperrors.ErrCodeTransport, "connection refused")
}

func TestBackoffDelayDoublesUntilCap(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for n, want := range expected {
		assert.Equal(t, want, backoffDelay(n, base, cap), "attempt %d", n)
	}
}

func TestConnectPublishesConnected(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(transport, testConfig())
	rec := &stateRecorder{}
	m.Subscribe(rec.listen)

	require.NoError(t, m.Connect())
	defer m.Close()

	require.Eventually(t, func() bool {
		return m.State() == domain.ConnConnected
	}, time.Second, 5*time.Millisecond)

	states := rec.snapshot()
	require.NotEmpty(t, states)
	assert.Equal(t, domain.ConnConnecting, states[0])
	assert.True(t, rec.has(domain.ConnConnected))
	assert.False(t, rec.has(domain.ConnReconnecting))
}

func TestConnectTwiceFails(t *testing.T) {
	m := NewManager(newFakeTransport(), testConfig())
	require.NoError(t, m.Connect())
	defer m.Close()
	assert.Error(t, m.Connect())
}

func TestReconnectAfterDrop(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(transport, testConfig())
	rec := &stateRecorder{}
	m.Subscribe(rec.listen)

	require.NoError(t, m.Connect())
	defer m.Close()

	require.Eventually(t, func() bool {
		return m.State() == domain.ConnConnected
	}, time.Second, 5*time.Millisecond)

	transport.drop(retryableErr())

	require.Eventually(t, func() bool {
		return rec.has(domain.ConnReconnecting) && m.State() == domain.ConnConnected
	}, time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, transport.connectCount(), 2)
}

func TestExhaustedAfterMaxAttempts(t *testing.T) {
	// Every connect attempt fails with a retryable error
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = retryableErr()
	}
	transport := newFakeTransport(errs...)

	cfg := testConfig()
	cfg.MaxAttempts = 3
	m := NewManager(transport, cfg)

	require.NoError(t, m.Connect())
	defer m.Close()

	require.Eventually(t, func() bool {
		return m.State() == domain.ConnExhausted
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, transport.connectCount())

	err := m.Send(protocol.EventSendMessage, protocol.SendMessage{})
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.CodeOf(err))
}

func TestAuthRejectionIsFatal(t *testing.T) {
	transport := newFakeTransport(apperrors.New(apperrors.ErrCodeAuth, "bad token"))
	m := NewManager(transport, testConfig())
	rec := &stateRecorder{}
	m.Subscribe(rec.listen)

	require.NoError(t, m.Connect())
	defer m.Close()

	require.Eventually(t, func() bool {
		return m.FatalError() != nil
	}, time.Second, 5*time.Millisecond)

	// No retry follows an auth rejection
	assert.Equal(t, 1, transport.connectCount())
	assert.Equal(t, apperrors.ErrCodeAuth, apperrors.CodeOf(m.FatalError()))

	err := m.Send(protocol.EventSendMessage, protocol.SendMessage{})
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.CodeOf(err))
}

func TestSendBuffersDuringReconnectAndFlushesAfterRejoin(t *testing.T) {
	// First attempt fails so the manager sits in backoff while we queue
	transport := newFakeTransport(retryableErr())

	cfg := testConfig()
	cfg.BackoffBase = 50 * time.Millisecond
	m := NewManager(transport, cfg)

	roomID := uuid.New()
	require.NoError(t, m.JoinRoom(roomID))

	require.NoError(t, m.Connect())
	defer m.Close()

	require.Eventually(t, func() bool {
		return transport.connectCount() >= 1
	}, time.Second, time.Millisecond)

	// Queued while disconnected; must survive until the flush
	require.NoError(t, m.Send(protocol.EventSendMessage, protocol.SendMessage{
		RoomID:        roomID,
		CorrelationID: uuid.New(),
		Content:       "typed offline",
	}))

	require.Eventually(t, func() bool {
		return m.State() == domain.ConnConnected && len(transport.sentEvents()) >= 2
	}, time.Second, 5*time.Millisecond)

	events := transport.sentEvents()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventJoinRoom, events[0], "rejoin precedes the buffer flush")
	assert.Equal(t, protocol.EventSendMessage, events[1])
}

func TestFailedRejoinKeepsBufferForNextAttempt(t *testing.T) {
	// First attempt fails so a send queues up while disconnected
	transport := newFakeTransport(retryableErr())

	cfg := testConfig()
	cfg.BackoffBase = 50 * time.Millisecond
	m := NewManager(transport, cfg)

	roomID := uuid.New()
	require.NoError(t, m.JoinRoom(roomID))

	require.NoError(t, m.Connect())
	defer m.Close()

	require.Eventually(t, func() bool {
		return transport.connectCount() >= 1
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Send(protocol.EventSendMessage, protocol.SendMessage{
		RoomID:        roomID,
		CorrelationID: uuid.New(),
		Content:       "typed offline",
	}))

	// The second attempt connects but its rejoin write dies on the wire.
	// The queued send must survive that aborted drain.
	transport.failNextSend(retryableErr())
	require.Eventually(t, func() bool {
		return transport.connectCount() >= 2
	}, time.Second, time.Millisecond)

	// Surface the drop so the supervision loop goes around again
	transport.drop(retryableErr())

	require.Eventually(t, func() bool {
		return m.State() == domain.ConnConnected
	}, time.Second, 5*time.Millisecond)

	events := transport.sentEvents()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventJoinRoom, events[0])
	assert.Equal(t, protocol.EventSendMessage, events[1], "queued send survives a failed rejoin")
}

func TestConnectedPublishedAfterBufferDrain(t *testing.T) {
	transport := newFakeTransport(retryableErr())

	cfg := testConfig()
	cfg.BackoffBase = 50 * time.Millisecond
	m := NewManager(transport, cfg)

	// Snapshot the wire at the moment the connected state is announced
	wireAtConnected := make(chan []string, 1)
	m.Subscribe(func(state domain.ConnectionState, err error) {
		if state == domain.ConnConnected {
			wireAtConnected <- transport.sentEvents()
		}
	})

	require.NoError(t, m.Connect())
	defer m.Close()

	require.Eventually(t, func() bool {
		return transport.connectCount() >= 1
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Send(protocol.EventSendMessage, protocol.SendMessage{
		RoomID:        uuid.New(),
		CorrelationID: uuid.New(),
		Content:       "queued",
	}))

	select {
	case events := <-wireAtConnected:
		// The buffered frame was flushed before anyone heard connected,
		// so no listener-triggered send can overtake it
		assert.Contains(t, events, protocol.EventSendMessage)
	case <-time.After(time.Second):
		t.Fatal("never reached connected")
	}
}

func TestSendBufferCap(t *testing.T) {
	errs := make([]error, 20)
	for i := range errs {
		errs[i] = retryableErr()
	}
	transport := newFakeTransport(errs...)

	cfg := testConfig()
	cfg.SendBufferSize = 2
	cfg.BackoffBase = 100 * time.Millisecond
	cfg.BackoffCap = 100 * time.Millisecond
	m := NewManager(transport, cfg)

	require.NoError(t, m.Connect())
	defer m.Close()

	require.Eventually(t, func() bool {
		return transport.connectCount() >= 1
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Send(protocol.EventSendMessage, protocol.SendMessage{Content: "a"}))
	require.NoError(t, m.Send(protocol.EventSendMessage, protocol.SendMessage{Content: "b"}))
	err := m.Send(protocol.EventSendMessage, protocol.SendMessage{Content: "c"})
	assert.Equal(t, apperrors.ErrCodeTransport, apperrors.CodeOf(err))
}

func TestJoinRoomWhileConnectedSendsImmediately(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(transport, testConfig())

	require.NoError(t, m.Connect())
	defer m.Close()

	require.Eventually(t, func() bool {
		return m.State() == domain.ConnConnected
	}, time.Second, 5*time.Millisecond)

	roomID := uuid.New()
	require.NoError(t, m.JoinRoom(roomID))

	events := transport.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventJoinRoom, events[0])
	assert.Equal(t, []uuid.UUID{roomID}, m.Rooms())

	require.NoError(t, m.LeaveRoom(roomID))
	assert.Empty(t, m.Rooms())
}
