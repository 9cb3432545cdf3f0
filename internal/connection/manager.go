// Package connection owns the single logical session: connect, disconnect,
// reconnect with bounded exponential backoff, outbound send serialization,
// and offline buffering with FIFO flush after the rejoin protocol.
package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/protocol"
	"chatsync/pkg/config"
	"chatsync/pkg/constants"
	apperrors "chatsync/pkg/errors"
	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
)

// StateListener observes connection state changes. err is non-nil only for
// the fatal transition.
type StateListener func(state domain.ConnectionState, err error)

// Manager owns the session lifecycle. Instances are independent; create one
// per logical session and dispose it with Close.
type Manager struct {
	transport Transport
	cfg       config.ConnectionConfig

	mu            sync.Mutex
	state         domain.ConnectionState
	fatalErr      error
	everConnected bool
	buffer        []protocol.Envelope
	rooms         map[uuid.UUID]struct{}
	subs          map[int]StateListener
	nextSub       int
	started       bool

	// sendMu serializes outbound writes; UI goroutines may call Send
	// concurrently but frames hit the transport one at a time
	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager over the given transport
func NewManager(transport Transport, cfg config.ConnectionConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		cfg:       cfg,
		state:     domain.ConnDisconnected,
		rooms:     make(map[uuid.UUID]struct{}),
		subs:      make(map[int]StateListener),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Connect starts the session supervision loop. It returns immediately;
// progress is observable through Subscribe.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeInternal, "connection manager already started")
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
	return nil
}

// run drives the connect/reconnect loop until close, exhaustion, or a fatal
// error
func (m *Manager) run() {
	defer close(m.done)

	attempts := 0
	for {
		if m.ctx.Err() != nil {
			return
		}

		if m.wasEverConnected() {
			m.setState(domain.ConnReconnecting)
		} else {
			m.setState(domain.ConnConnecting)
		}

		connectCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
		err := m.transport.Connect(connectCtx)
		cancel()

		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			if !apperrors.IsRetryable(err) {
				m.failFatal(err)
				return
			}

			attempts++
			metrics.ReconnectAttemptsTotal.Inc()
			if attempts >= m.cfg.MaxAttempts {
				logger.Error("reconnect attempts exhausted",
					zap.Int("attempts", attempts),
					zap.Error(err))
				m.setState(domain.ConnExhausted)
				return
			}

			delay := backoffDelay(attempts-1, m.cfg.BackoffBase, m.cfg.BackoffCap)
			logger.Warn("connect failed, backing off",
				zap.Int("attempt", attempts),
				zap.Duration("delay", delay),
				zap.Error(err))

			select {
			case <-time.After(delay):
			case <-m.ctx.Done():
				return
			}
			continue
		}

		attempts = 0
		m.onConnected()

		select {
		case err, ok := <-m.transport.Errors():
			if !ok {
				return
			}
			if !apperrors.IsRetryable(err) {
				m.failFatal(err)
				return
			}
			logger.Warn("connection dropped", zap.Error(err))
		case <-m.ctx.Done():
			return
		}
	}
}

// onConnected replays room subscriptions, drains the offline buffer, and
// only then publishes the connected state. Rejoin frames go out before
// buffered sends, and new sends keep buffering until the drain finishes,
// so per-room FIFO order holds across the reconnect.
func (m *Manager) onConnected() {
	m.mu.Lock()
	m.everConnected = true
	rooms := make([]uuid.UUID, 0, len(m.rooms))
	for roomID := range m.rooms {
		rooms = append(rooms, roomID)
	}
	m.mu.Unlock()

	// Deterministic rejoin order. The buffer stays untouched until every
	// rejoin succeeded, so a failed rejoin loses nothing.
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].String() < rooms[j].String() })

	for _, roomID := range rooms {
		env, err := protocol.NewEnvelope(protocol.EventJoinRoom, protocol.RoomRef{RoomID: roomID})
		if err != nil {
			continue
		}
		if err := m.write(env); err != nil {
			logger.Warn("rejoin failed", zap.String("room_id", roomID.String()), zap.Error(err))
			return
		}
	}

	flushed := 0
	for {
		m.mu.Lock()
		if len(m.buffer) == 0 {
			// Flip to connected atomically with the empty-buffer check so
			// no new send can overtake a buffered one
			m.state = domain.ConnConnected
			listeners := make([]StateListener, 0, len(m.subs))
			for _, fn := range m.subs {
				listeners = append(listeners, fn)
			}
			m.mu.Unlock()

			metrics.SetConnectionState(string(domain.ConnConnected))
			metrics.SendBufferLength.Set(0)
			for _, fn := range listeners {
				fn(domain.ConnConnected, nil)
			}
			logger.Info("connected",
				zap.Int("rejoined_rooms", len(rooms)),
				zap.Int("flushed_sends", flushed))
			return
		}
		buffered := m.buffer
		m.buffer = nil
		m.mu.Unlock()

		for i, env := range buffered {
			if err := m.write(env); err != nil {
				// Put the unsent tail back for the next reconnect
				m.mu.Lock()
				m.buffer = append(buffered[i:], m.buffer...)
				metrics.SendBufferLength.Set(float64(len(m.buffer)))
				m.mu.Unlock()
				logger.Warn("buffer flush interrupted",
					zap.Int("flushed", flushed+i),
					zap.Int("remaining", len(buffered)-i),
					zap.Error(err))
				return
			}
			flushed++
		}
	}
}

// Send delivers an event when connected, buffers it FIFO while a reconnect
// is in progress, and rejects it on a terminal connection.
func (m *Manager) Send(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	switch m.state {
	case domain.ConnConnected:
		m.mu.Unlock()
		return m.write(env)
	case domain.ConnConnecting, domain.ConnReconnecting:
		if len(m.buffer) >= m.bufferCap() {
			m.mu.Unlock()
			return apperrors.New(apperrors.ErrCodeTransport, "send buffer full")
		}
		m.buffer = append(m.buffer, env)
		metrics.SendBufferLength.Set(float64(len(m.buffer)))
		m.mu.Unlock()
		return nil
	default:
		fatal := m.fatalErr
		m.mu.Unlock()
		if fatal != nil {
			return apperrors.Wrap(apperrors.ErrCodeNotConnected, "connection terminated", fatal)
		}
		return apperrors.New(apperrors.ErrCodeNotConnected, "not connected")
	}
}

func (m *Manager) write(env protocol.Envelope) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SendTimeout)
	defer cancel()
	return m.transport.Send(ctx, env)
}

// JoinRoom subscribes the session to a room. The subscription survives
// reconnects via the rejoin protocol.
func (m *Manager) JoinRoom(roomID uuid.UUID) error {
	m.mu.Lock()
	m.rooms[roomID] = struct{}{}
	connected := m.state == domain.ConnConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	env, err := protocol.NewEnvelope(protocol.EventJoinRoom, protocol.RoomRef{RoomID: roomID})
	if err != nil {
		return err
	}
	return m.write(env)
}

// LeaveRoom drops the room subscription
func (m *Manager) LeaveRoom(roomID uuid.UUID) error {
	m.mu.Lock()
	delete(m.rooms, roomID)
	connected := m.state == domain.ConnConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	env, err := protocol.NewEnvelope(protocol.EventLeaveRoom, protocol.RoomRef{RoomID: roomID})
	if err != nil {
		return err
	}
	return m.write(env)
}

// Rooms lists the currently tracked room subscriptions
func (m *Manager) Rooms() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.rooms))
	for roomID := range m.rooms {
		out = append(out, roomID)
	}
	return out
}

// Inbound exposes the ordered stream of server events
func (m *Manager) Inbound() <-chan protocol.Envelope {
	return m.transport.Receive()
}

// State returns the current connection state
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FatalError returns the error that terminated the session, if any
func (m *Manager) FatalError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

// Subscribe registers a state listener and returns its disposer
func (m *Manager) Subscribe(fn StateListener) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Close disposes the session. Pending buffered sends are dropped; callers
// that care should drain state through the store first.
func (m *Manager) Close() error {
	m.cancel()
	err := m.transport.Close()
	m.mu.Lock()
	started := m.started
	if m.state != domain.ConnExhausted && m.fatalErr == nil {
		m.state = domain.ConnDisconnected
	}
	m.mu.Unlock()
	if started {
		<-m.done
	}
	return err
}

func (m *Manager) wasEverConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.everConnected
}

func (m *Manager) setState(state domain.ConnectionState) {
	m.notify(state, nil)
}

// failFatal records a terminal error (auth rejection) and reports it to all
// subscribers; no retry follows.
func (m *Manager) failFatal(err error) {
	logger.Error("fatal connection error", zap.Error(err))
	m.mu.Lock()
	m.fatalErr = err
	m.mu.Unlock()
	m.notify(domain.ConnDisconnected, err)
}

func (m *Manager) notify(state domain.ConnectionState, err error) {
	m.mu.Lock()
	m.state = state
	listeners := make([]StateListener, 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	metrics.SetConnectionState(string(state))
	for _, fn := range listeners {
		fn(state, err)
	}
}

func (m *Manager) bufferCap() int {
	if m.cfg.SendBufferSize > 0 {
		return m.cfg.SendBufferSize
	}
	return constants.SendBufferSize
}

// backoffDelay computes min(base·2ⁿ, cap) for the nth failure (n from 0)
func backoffDelay(n int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
