// Package engine wires the event bus, connection manager, message store,
// typing coordinator, presence tracker, and call controller into one chat
// synchronization session.
package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/call"
	"chatsync/internal/connection"
	"chatsync/internal/domain"
	"chatsync/internal/event"
	"chatsync/internal/presence"
	"chatsync/internal/protocol"
	"chatsync/internal/storage"
	"chatsync/internal/store"
	"chatsync/internal/typing"
	"chatsync/pkg/config"
	apperrors "chatsync/pkg/errors"
	"chatsync/pkg/logger"
	"chatsync/pkg/timers"
)

// Engine is one user's chat synchronization session. Create with New,
// start with Start, dispose with Close; instances are independent and a
// test can run as many as it likes side by side.
type Engine struct {
	selfID uuid.UUID
	cfg    *config.Config

	conn     *connection.Manager
	bus      *event.Bus
	store    *store.Store
	typing   *typing.Coordinator
	presence *presence.Tracker
	calls    *call.Controller
	uploader storage.Uploader

	// ack timers for in-flight sends and mutations
	timers *timers.Set

	mu         sync.Mutex
	readTokens map[uuid.UUID]string // roomID -> outstanding mark-read token

	disposers []func()
	pumpDone  chan struct{}
	started   bool
	closed    bool
}

// Option customizes an Engine
type Option func(*Engine)

// WithUploader attaches the file-upload collaborator used by SendFile
func WithUploader(u storage.Uploader) Option {
	return func(e *Engine) { e.uploader = u }
}

// New assembles an engine for the given user over the given transport
func New(selfID uuid.UUID, transport connection.Transport, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		selfID:     selfID,
		cfg:        cfg,
		conn:       connection.NewManager(transport, cfg.Connection),
		bus:        event.NewBus(),
		store:      store.NewStore(selfID),
		presence:   presence.NewTracker(),
		timers:     timers.NewSet(),
		readTokens: make(map[uuid.UUID]string),
		pumpDone:   make(chan struct{}),
	}

	e.typing = typing.NewCoordinator(cfg.Typing, e.signalTyping)
	e.calls = call.NewController(cfg.Call, selfID, e.signalCall)

	for _, opt := range opts {
		opt(e)
	}

	e.registerHandlers()
	e.disposers = append(e.disposers, e.conn.Subscribe(e.onConnectionState))
	return e
}

// Start connects the session and begins pumping inbound events into the
// ordered dispatch queue
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeInternal, "engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.conn.Connect(); err != nil {
		return err
	}

	go func() {
		defer close(e.pumpDone)
		for env := range e.conn.Inbound() {
			e.bus.Publish(env)
		}
	}()
	return nil
}

// Close disposes the session: subscriptions, timers, connection, dispatch
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	for _, dispose := range e.disposers {
		dispose()
	}
	e.timers.Stop()
	e.typing.Close()
	e.calls.Close()
	err := e.conn.Close()
	if started {
		<-e.pumpDone
	}
	e.bus.Close()
	return err
}

// Component access for UI layers

func (e *Engine) Store() *store.Store               { return e.store }
func (e *Engine) Presence() *presence.Tracker       { return e.presence }
func (e *Engine) Typing() *typing.Coordinator       { return e.typing }
func (e *Engine) Calls() *call.Controller           { return e.calls }
func (e *Engine) Connection() *connection.Manager   { return e.conn }
func (e *Engine) ConnState() domain.ConnectionState { return e.conn.State() }

// JoinRoom opens the room locally and subscribes the session to it. The
// subscription survives reconnects.
func (e *Engine) JoinRoom(room domain.ChatRoom) error {
	e.store.OpenRoom(room)
	return e.conn.JoinRoom(room.ID)
}

// LeaveRoom unsubscribes from the room and cancels its typing timers. The
// local message log is kept; the room list still shows the conversation.
func (e *Engine) LeaveRoom(roomID uuid.UUID) error {
	e.typing.CancelRoom(roomID)
	return e.conn.LeaveRoom(roomID)
}

// SendText sends a text message. The returned message is already visible
// locally in state pending.
func (e *Engine) SendText(roomID uuid.UUID, content string, replyTo *uuid.UUID) (domain.Message, error) {
	return e.send(roomID, content, domain.MessageTypeText, replyTo, nil)
}

// SendImage sends an image message referencing an uploaded attachment
func (e *Engine) SendImage(roomID uuid.UUID, attachment domain.FileAttachment) (domain.Message, error) {
	return e.send(roomID, attachment.Name, domain.MessageTypeImage, nil, &attachment)
}

// SendVoice sends a voice message referencing an uploaded attachment
func (e *Engine) SendVoice(roomID uuid.UUID, attachment domain.FileAttachment) (domain.Message, error) {
	return e.send(roomID, attachment.Name, domain.MessageTypeVoice, nil, &attachment)
}

// SendFile uploads the file through the collaborator and sends the
// resulting attachment as a file message
func (e *Engine) SendFile(ctx context.Context, roomID uuid.UUID, name string, r io.Reader, size int64) (domain.Message, error) {
	if e.uploader == nil {
		return domain.Message{}, apperrors.New(apperrors.ErrCodeStorage, "no uploader configured")
	}
	attachment, err := e.uploader.Upload(ctx, storage.File{Name: name, Reader: r, Size: size}, roomID)
	if err != nil {
		return domain.Message{}, apperrors.Wrap(apperrors.ErrCodeStorage, "upload failed", err)
	}
	return e.send(roomID, name, domain.MessageTypeFile, nil, &attachment)
}

func (e *Engine) send(roomID uuid.UUID, content string, msgType domain.MessageType, replyTo *uuid.UUID, attachment *domain.FileAttachment) (domain.Message, error) {
	room, ok := e.store.Room(roomID)
	if !ok {
		return domain.Message{}, apperrors.Newf(apperrors.ErrCodeRoomNotFound, "room %s not joined", roomID)
	}

	msg := &domain.Message{
		CorrelationID: uuid.New(),
		RoomID:        roomID,
		SenderID:      e.selfID,
		ReceiverID:    room.Peer(e.selfID),
		Content:       content,
		Type:          msgType,
		CreatedAt:     time.Now(),
		ReplyToID:     replyTo,
		Attachment:    attachment,
	}

	stored, err := e.store.AppendLocal(msg)
	if err != nil {
		return domain.Message{}, err
	}
	// Local append already succeeded; the optimistic message stays visible
	// even when the transmit below fails.
	e.typing.StopTyping(roomID)
	e.transmit(stored)
	return *stored, nil
}

// transmit puts the message on the wire (or into the offline buffer) and
// arms the ack timeout when the wire is live
func (e *Engine) transmit(msg *domain.Message) {
	payload := protocol.SendMessage{
		RoomID:        msg.RoomID,
		CorrelationID: msg.CorrelationID,
		SenderID:      msg.SenderID,
		ReceiverID:    msg.ReceiverID,
		Content:       msg.Content,
		Type:          msg.Type,
		ReplyTo:       msg.ReplyToID,
		Attachment:    msg.Attachment,
	}
	if err := e.conn.Send(protocol.EventSendMessage, payload); err != nil {
		logger.Warn("send rejected",
			zap.String("correlation_id", msg.CorrelationID.String()),
			zap.Error(err))
		_ = e.store.MarkFailed(msg.CorrelationID, "connection unavailable")
		return
	}
	if e.conn.State() == domain.ConnConnected {
		e.armAckTimer(msg.CorrelationID)
	}
	// While reconnecting the envelope sits in the FIFO buffer; the ack
	// timer is armed after the flush, on the connected transition.
}

func (e *Engine) armAckTimer(correlationID uuid.UUID) {
	e.timers.Schedule(sendKey(correlationID), e.cfg.Connection.SendTimeout, func() {
		logger.Warn("send ack timeout", zap.String("correlation_id", correlationID.String()))
		_ = e.store.MarkFailed(correlationID, "send timeout")
	})
}

// RetryMessage resends a failed message. Failed sends are only ever
// retried through this explicit action.
func (e *Engine) RetryMessage(correlationID uuid.UUID) error {
	msg, err := e.store.Retry(correlationID)
	if err != nil {
		return err
	}
	e.transmit(msg)
	return nil
}

// MarkRead optimistically marks messages read and tells the server
func (e *Engine) MarkRead(roomID uuid.UUID, messageIDs []uuid.UUID) error {
	token, err := e.store.MarkRead(roomID, messageIDs)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}

	e.mu.Lock()
	e.readTokens[roomID] = token
	e.mu.Unlock()

	payload := protocol.MarkAsRead{RoomID: roomID, MessageIDs: messageIDs, UserID: e.selfID}
	if err := e.conn.Send(protocol.EventMarkAsRead, payload); err != nil {
		e.takeReadToken(roomID)
		e.store.RollbackRead(token, "connection unavailable")
		return err
	}
	e.timers.Schedule("read:"+roomID.String(), e.cfg.Connection.SendTimeout, func() {
		if tok := e.takeReadToken(roomID); tok != "" {
			e.store.RollbackRead(tok, "read receipt timeout")
		}
	})
	return nil
}

func (e *Engine) takeReadToken(roomID uuid.UUID) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	token := e.readTokens[roomID]
	delete(e.readTokens, roomID)
	return token
}

// EditMessage optimistically edits a confirmed message
func (e *Engine) EditMessage(roomID, messageID uuid.UUID, content string) error {
	if err := e.store.Edit(roomID, messageID, content); err != nil {
		return err
	}
	payload := protocol.EditMessage{RoomID: roomID, MessageID: messageID, Content: content}
	if err := e.conn.Send(protocol.EventEditMessage, payload); err != nil {
		e.store.RollbackEdit(messageID, "connection unavailable")
		return err
	}
	e.timers.Schedule(editKey(messageID), e.cfg.Connection.SendTimeout, func() {
		e.store.RollbackEdit(messageID, "edit timeout")
	})
	return nil
}

// DeleteMessage optimistically deletes a confirmed message
func (e *Engine) DeleteMessage(roomID, messageID uuid.UUID) error {
	if err := e.store.Delete(roomID, messageID); err != nil {
		return err
	}
	payload := protocol.DeleteMessage{RoomID: roomID, MessageID: messageID}
	if err := e.conn.Send(protocol.EventDeleteMessage, payload); err != nil {
		e.store.RollbackDelete(messageID, "connection unavailable")
		return err
	}
	e.timers.Schedule(deleteKey(messageID), e.cfg.Connection.SendTimeout, func() {
		e.store.RollbackDelete(messageID, "delete timeout")
	})
	return nil
}

// StartTyping forwards local keystroke activity to the coordinator
func (e *Engine) StartTyping(roomID uuid.UUID) {
	e.typing.StartTyping(roomID)
}

// InitiateCall rings the room's peer
func (e *Engine) InitiateCall(roomID uuid.UUID, callType domain.CallType) (domain.CallSession, error) {
	room, ok := e.store.Room(roomID)
	if !ok {
		return domain.CallSession{}, apperrors.Newf(apperrors.ErrCodeRoomNotFound, "room %s not joined", roomID)
	}
	return e.calls.Initiate(roomID, room.Peer(e.selfID), callType)
}

// signalTyping is the coordinator's outbound path
func (e *Engine) signalTyping(roomID uuid.UUID, typing bool) {
	room, ok := e.store.Room(roomID)
	if !ok {
		return
	}
	eventName := protocol.EventTypingStart
	if !typing {
		eventName = protocol.EventTypingStop
	}
	payload := protocol.Typing{RoomID: roomID, SenderID: e.selfID, ReceiverID: room.Peer(e.selfID)}
	if err := e.conn.Send(eventName, payload); err != nil {
		logger.Debug("typing signal dropped", zap.Error(err))
	}
}

// signalCall is the call controller's outbound path
func (e *Engine) signalCall(eventName string, session domain.CallSession) error {
	if eventName == protocol.EventCallInitiate {
		payload := protocol.CallInitiate{
			CallID:        session.ID,
			RoomID:        session.RoomID,
			InitiatorID:   session.InitiatorID,
			ParticipantID: session.ParticipantID,
			Type:          session.Type,
		}
		return e.conn.Send(eventName, payload)
	}
	return e.conn.Send(eventName, protocol.CallSignal{CallID: session.ID, UserID: e.selfID})
}

func sendKey(correlationID uuid.UUID) string { return "send:" + correlationID.String() }
func editKey(messageID uuid.UUID) string     { return "edit:" + messageID.String() }
func deleteKey(messageID uuid.UUID) string   { return "delete:" + messageID.String() }
