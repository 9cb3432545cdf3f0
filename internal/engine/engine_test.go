package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/protocol"
	"chatsync/internal/storage"
	"chatsync/pkg/config"
	apperrors "chatsync/pkg/errors"
)

// loopTransport plays the server side of the protocol in-process: sends are
// recorded and, when acking is on, answered with message_sent plus the room
// echo the real server produces.
type loopTransport struct {
	mu     sync.Mutex
	sent   []protocol.Envelope
	ack    bool
	closed bool
	gate   chan struct{}
	recvCh chan protocol.Envelope
	errCh  chan error
}

func newLoopTransport(ack bool) *loopTransport {
	return &loopTransport{
		ack:    ack,
		recvCh: make(chan protocol.Envelope, 64),
		errCh:  make(chan error, 1),
	}
}

func (l *loopTransport) Connect(ctx context.Context) error {
	l.mu.Lock()
	gate := l.gate
	l.gate = nil
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// holdNextConnect makes the next Connect block until the returned channel
// is closed
func (l *loopTransport) holdNextConnect() chan struct{} {
	gate := make(chan struct{})
	l.mu.Lock()
	l.gate = gate
	l.mu.Unlock()
	return gate
}

func (l *loopTransport) drop(err error) {
	l.errCh <- err
}

func (l *loopTransport) Send(ctx context.Context, env protocol.Envelope) error {
	l.mu.Lock()
	l.sent = append(l.sent, env)
	ack := l.ack
	l.mu.Unlock()

	if ack && env.Event == protocol.EventSendMessage {
		var p protocol.SendMessage
		if err := env.Decode(&p); err != nil {
			return err
		}
		serverID := uuid.New()
		now := time.Now()
		l.push(protocol.EventMessageSent, protocol.MessageSent{
			CorrelationID: p.CorrelationID,
			ServerID:      serverID,
			Timestamp:     now,
		})
		l.push(protocol.EventMessageReceived, protocol.MessageReceived{
			ServerID:      serverID,
			CorrelationID: p.CorrelationID,
			RoomID:        p.RoomID,
			SenderID:      p.SenderID,
			ReceiverID:    p.ReceiverID,
			Content:       p.Content,
			Type:          p.Type,
			Timestamp:     now,
		})
	}
	return nil
}

func (l *loopTransport) push(event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if !closed {
		l.recvCh <- env
	}
}

func (l *loopTransport) setAck(ack bool) {
	l.mu.Lock()
	l.ack = ack
	l.mu.Unlock()
}

func (l *loopTransport) sentEvents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.sent))
	for i, env := range l.sent {
		out[i] = env.Event
	}
	return out
}

func (l *loopTransport) Receive() <-chan protocol.Envelope { return l.recvCh }
func (l *loopTransport) Errors() <-chan error              { return l.errCh }

func (l *loopTransport) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.recvCh)
	}
	return nil
}

// stubUploader satisfies storage.Uploader without a backend
type stubUploader struct {
	mu      sync.Mutex
	uploads []storage.File
	err     error
}

func (s *stubUploader) Upload(ctx context.Context, f storage.File, roomID uuid.UUID) (domain.FileAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.FileAttachment{}, s.err
	}
	s.uploads = append(s.uploads, f)
	return domain.FileAttachment{
		ID:   uuid.New(),
		URL:  "/uploads/" + f.Name,
		Name: f.Name,
		Size: f.Size,
	}, nil
}

func (s *stubUploader) Delete(ctx context.Context, attachment domain.FileAttachment) error {
	return nil
}

func testEngineConfig() *config.Config {
	return &config.Config{
		Connection: config.ConnectionConfig{
			BackoffBase:    time.Millisecond,
			BackoffCap:     10 * time.Millisecond,
			MaxAttempts:    5,
			SendTimeout:    60 * time.Millisecond,
			ConnectTimeout: time.Second,
			SendBufferSize: 16,
		},
		Typing: config.TypingConfig{
			IdleStop: 40 * time.Millisecond,
			Expiry:   60 * time.Millisecond,
		},
		Call: config.CallConfig{
			RingingTimeout: time.Second,
		},
	}
}

func startEngine(t *testing.T, transport *loopTransport, opts ...Option) (*Engine, domain.ChatRoom, uuid.UUID) {
	t.Helper()
	selfID := uuid.New()
	peerID := uuid.New()
	room := domain.ChatRoom{
		ID:           uuid.New(),
		Participants: [2]uuid.UUID{selfID, peerID},
	}

	e := New(selfID, transport, testEngineConfig(), opts...)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Close() })

	require.Eventually(t, func() bool {
		return e.ConnState() == domain.ConnConnected
	}, time.Second, time.Millisecond)
	require.NoError(t, e.JoinRoom(room))
	return e, room, peerID
}

func TestSendTextOptimisticThenConfirmed(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, _ := startEngine(t, transport)

	msg, err := e.SendText(room.ID, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatePending, msg.State)

	require.Eventually(t, func() bool {
		got, ok := e.Store().Find(msg.CorrelationID)
		return ok && got.State == domain.MessageStateSent
	}, time.Second, time.Millisecond)

	got, _ := e.Store().Find(msg.CorrelationID)
	assert.NotEqual(t, uuid.Nil, got.ID)
	require.NotNil(t, got.ServerTimestamp)

	// The self echo following the ack must not duplicate the message
	assert.Len(t, e.Store().Messages(room.ID), 1)
}

func TestSendTimeoutMarksFailedAndRetryRecovers(t *testing.T) {
	transport := newLoopTransport(false)
	e, room, _ := startEngine(t, transport)

	msg, err := e.SendText(room.ID, "hello", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := e.Store().Find(msg.CorrelationID)
		return ok && got.State == domain.MessageStateFailed
	}, time.Second, time.Millisecond)

	got, _ := e.Store().Find(msg.CorrelationID)
	assert.Equal(t, "send timeout", got.Failure)

	// Only an explicit retry resends
	transport.setAck(true)
	require.NoError(t, e.RetryMessage(msg.CorrelationID))

	require.Eventually(t, func() bool {
		got, ok := e.Store().Find(msg.CorrelationID)
		return ok && got.State == domain.MessageStateSent
	}, time.Second, time.Millisecond)
}

func TestSendWhileReconnectingFlushesExactlyOnce(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, _ := startEngine(t, transport)

	// Hold the reconnect open so the engine sits in reconnecting
	gate := transport.holdNextConnect()
	transport.drop(apperrors.New(apperrors.ErrCodeTransport, "connection reset"))

	require.Eventually(t, func() bool {
		return e.ConnState() == domain.ConnReconnecting
	}, time.Second, time.Millisecond)

	msg, err := e.SendText(room.ID, "typed offline", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatePending, msg.State)

	close(gate)

	require.Eventually(t, func() bool {
		got, ok := e.Store().Find(msg.CorrelationID)
		return ok && got.State == domain.MessageStateSent
	}, time.Second, time.Millisecond)

	// One frame on the wire, one message in the room
	sends := 0
	for _, event := range transport.sentEvents() {
		if event == protocol.EventSendMessage {
			sends++
		}
	}
	assert.Equal(t, 1, sends)
	assert.Len(t, e.Store().Messages(room.ID), 1)
}

func TestSendFileUploadsThenSendsAttachment(t *testing.T) {
	transport := newLoopTransport(true)
	up := &stubUploader{}
	e, room, _ := startEngine(t, transport, WithUploader(up))

	msg, err := e.SendFile(context.Background(), room.ID, "report.pdf", strings.NewReader("%PDF"), 4)
	require.NoError(t, err)

	assert.Equal(t, domain.MessageTypeFile, msg.Type)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "report.pdf", msg.Attachment.Name)
	assert.Equal(t, int64(4), msg.Attachment.Size)

	require.Eventually(t, func() bool {
		got, ok := e.Store().Find(msg.CorrelationID)
		return ok && got.State == domain.MessageStateSent
	}, time.Second, time.Millisecond)

	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.uploads, 1)
	assert.Equal(t, "report.pdf", up.uploads[0].Name)
}

func TestSendFileWithoutUploaderRefused(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, _ := startEngine(t, transport)

	_, err := e.SendFile(context.Background(), room.ID, "x.bin", strings.NewReader("x"), 1)
	assert.Equal(t, apperrors.ErrCodeStorage, apperrors.CodeOf(err))
}

func TestSendFileUploadFailureLeavesNoMessage(t *testing.T) {
	transport := newLoopTransport(true)
	up := &stubUploader{err: apperrors.New(apperrors.ErrCodeStorage, "bucket unavailable")}
	e, room, _ := startEngine(t, transport, WithUploader(up))

	_, err := e.SendFile(context.Background(), room.ID, "x.bin", strings.NewReader("x"), 1)
	assert.Equal(t, apperrors.ErrCodeStorage, apperrors.CodeOf(err))
	assert.Empty(t, e.Store().Messages(room.ID))
}

func TestSendToUnjoinedRoomFails(t *testing.T) {
	transport := newLoopTransport(true)
	e, _, _ := startEngine(t, transport)

	_, err := e.SendText(uuid.New(), "hello", nil)
	assert.Equal(t, apperrors.ErrCodeRoomNotFound, apperrors.CodeOf(err))
}

func TestInboundPeerMessageLandsInStore(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, peerID := startEngine(t, transport)

	ts := time.Now()
	transport.push(protocol.EventMessageReceived, protocol.MessageReceived{
		ServerID:      uuid.New(),
		CorrelationID: uuid.New(),
		RoomID:        room.ID,
		SenderID:      peerID,
		ReceiverID:    room.Peer(peerID),
		Content:       "hi there",
		Type:          domain.MessageTypeText,
		Timestamp:     ts,
	})

	require.Eventually(t, func() bool {
		return len(e.Store().Messages(room.ID)) == 1
	}, time.Second, time.Millisecond)

	meta, _ := e.Store().Room(room.ID)
	assert.Equal(t, 1, meta.UnreadCount)
}

func TestRemoteTypingSurfacesAndExpires(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, peerID := startEngine(t, transport)

	transport.push(protocol.EventUserTyping, protocol.UserTyping{
		RoomID: room.ID,
		UserID: peerID,
		Typing: true,
	})

	require.Eventually(t, func() bool {
		return len(e.Typing().TypingUsers(room.ID)) == 1
	}, time.Second, time.Millisecond)

	// No stop event arrives; the expiry clears it
	require.Eventually(t, func() bool {
		return len(e.Typing().TypingUsers(room.ID)) == 0
	}, time.Second, time.Millisecond)
}

func TestLocalTypingSignalsStartAndStop(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, _ := startEngine(t, transport)

	e.StartTyping(room.ID)
	e.StartTyping(room.ID)

	require.Eventually(t, func() bool {
		events := transport.sentEvents()
		starts, stops := 0, 0
		for _, ev := range events {
			switch ev {
			case protocol.EventTypingStart:
				starts++
			case protocol.EventTypingStop:
				stops++
			}
		}
		return starts == 1 && stops == 1
	}, time.Second, time.Millisecond)
}

func TestSendingStopsTypingBurst(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, _ := startEngine(t, transport)

	e.StartTyping(room.ID)
	_, err := e.SendText(room.ID, "done typing", nil)
	require.NoError(t, err)

	events := transport.sentEvents()
	stopIdx, sendIdx := -1, -1
	for i, ev := range events {
		switch ev {
		case protocol.EventTypingStop:
			stopIdx = i
		case protocol.EventSendMessage:
			sendIdx = i
		}
	}
	require.GreaterOrEqual(t, stopIdx, 0)
	require.GreaterOrEqual(t, sendIdx, 0)
	assert.Less(t, stopIdx, sendIdx)
}

func TestPresenceSnapshotAndDeltas(t *testing.T) {
	transport := newLoopTransport(true)
	e, _, peerID := startEngine(t, transport)

	transport.push(protocol.EventUsersOnline, protocol.UsersOnline{
		Users: []protocol.PresenceEntry{{UserID: peerID}},
	})
	require.Eventually(t, func() bool {
		return e.Presence().IsOnline(peerID)
	}, time.Second, time.Millisecond)

	transport.push(protocol.EventUserOffline, protocol.UserPresence{UserID: peerID})
	require.Eventually(t, func() bool {
		return !e.Presence().IsOnline(peerID)
	}, time.Second, time.Millisecond)
}

func TestReadReceiptEchoConfirms(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, peerID := startEngine(t, transport)

	serverID := uuid.New()
	ts := time.Now()
	transport.push(protocol.EventMessageReceived, protocol.MessageReceived{
		ServerID:      serverID,
		CorrelationID: uuid.New(),
		RoomID:        room.ID,
		SenderID:      peerID,
		Content:       "read me",
		Type:          domain.MessageTypeText,
		Timestamp:     ts,
	})
	require.Eventually(t, func() bool {
		return len(e.Store().Messages(room.ID)) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, e.MarkRead(room.ID, []uuid.UUID{serverID}))
	assert.Equal(t, domain.MessageStateRead, e.Store().Messages(room.ID)[0].State)

	// Server echoes the receipt back to us; the optimistic mark sticks
	transport.push(protocol.EventMessagesRead, protocol.MessagesRead{
		RoomID:     room.ID,
		UserID:     e.selfID,
		MessageIDs: []uuid.UUID{serverID},
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.MessageStateRead, e.Store().Messages(room.ID)[0].State)
}

func TestPeerReadReceiptMarksOwnMessages(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, peerID := startEngine(t, transport)

	msg, err := e.SendText(room.ID, "hello", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := e.Store().Find(msg.CorrelationID)
		return ok && got.State == domain.MessageStateSent
	}, time.Second, time.Millisecond)

	got, _ := e.Store().Find(msg.CorrelationID)
	transport.push(protocol.EventMessagesRead, protocol.MessagesRead{
		RoomID:     room.ID,
		UserID:     peerID,
		MessageIDs: []uuid.UUID{got.ID},
	})

	require.Eventually(t, func() bool {
		current, _ := e.Store().Find(msg.CorrelationID)
		return current.State == domain.MessageStateRead
	}, time.Second, time.Millisecond)
}

func TestIncomingCallWhileBusyIsRejected(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, peerID := startEngine(t, transport)

	_, err := e.InitiateCall(room.ID, domain.CallTypeVoice)
	require.NoError(t, err)

	transport.push(protocol.EventCallIncoming, protocol.CallInitiate{
		CallID:        uuid.New(),
		RoomID:        room.ID,
		InitiatorID:   peerID,
		ParticipantID: e.selfID,
		Type:          domain.CallTypeVideo,
	})

	require.Eventually(t, func() bool {
		for _, ev := range transport.sentEvents() {
			if ev == protocol.EventCallReject {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestIncomingCallRingsAndRemoteEndTerminates(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, peerID := startEngine(t, transport)

	callID := uuid.New()
	transport.push(protocol.EventCallIncoming, protocol.CallInitiate{
		CallID:        callID,
		RoomID:        room.ID,
		InitiatorID:   peerID,
		ParticipantID: e.selfID,
		Type:          domain.CallTypeVoice,
	})

	require.Eventually(t, func() bool {
		session, ok := e.Calls().Session(callID)
		return ok && session.Status == domain.CallStatusRinging
	}, time.Second, time.Millisecond)

	transport.push(protocol.EventCallEnded, protocol.CallEnded{
		CallID: callID,
		Status: domain.CallStatusEnded,
	})
	// The terminal transition evicts the session
	require.Eventually(t, func() bool {
		_, ok := e.Calls().Session(callID)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestEditConfirmedByServerEcho(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, _ := startEngine(t, transport)

	msg, err := e.SendText(room.ID, "original", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := e.Store().Find(msg.CorrelationID)
		return ok && got.State == domain.MessageStateSent
	}, time.Second, time.Millisecond)

	got, _ := e.Store().Find(msg.CorrelationID)
	require.NoError(t, e.EditMessage(room.ID, got.ID, "edited"))
	assert.Equal(t, "edited", e.Store().Messages(room.ID)[0].Content)

	transport.push(protocol.EventMessageEdited, protocol.MessageEdited{
		RoomID:    room.ID,
		MessageID: got.ID,
		Content:   "edited",
		EditedAt:  time.Now(),
	})

	// The echo confirms; the timeout must not roll the edit back
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "edited", e.Store().Messages(room.ID)[0].Content)
	assert.Empty(t, e.Store().Messages(room.ID)[0].Failure)
}

func TestDeleteRollsBackWithoutAck(t *testing.T) {
	transport := newLoopTransport(true)
	e, room, _ := startEngine(t, transport)

	msg, err := e.SendText(room.ID, "keep me", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := e.Store().Find(msg.CorrelationID)
		return ok && got.State == domain.MessageStateSent
	}, time.Second, time.Millisecond)

	got, _ := e.Store().Find(msg.CorrelationID)
	require.NoError(t, e.DeleteMessage(room.ID, got.ID))
	assert.Empty(t, e.Store().Messages(room.ID))

	// No message_deleted echo arrives; the deletion rolls back
	require.Eventually(t, func() bool {
		msgs := e.Store().Messages(room.ID)
		return len(msgs) == 1 && msgs[0].Failure == "delete timeout"
	}, time.Second, time.Millisecond)
}
