// Package store holds the per-room ordered message log: optimistic local
// appends, server reconciliation by correlation id, inbound ingestion with
// self-echo suppression, and optimistic mutations with rollback.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	apperrors "chatsync/pkg/errors"
	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
)

// ChangeListener observes room content changes
type ChangeListener func(roomID uuid.UUID)

// roomLog is one room's ordered message list
type roomLog struct {
	room          domain.ChatRoom
	messages      []*domain.Message
	byCorrelation map[uuid.UUID]*domain.Message
	byServerID    map[uuid.UUID]*domain.Message
}

// pendingMutation remembers the pre-mutation shape for rollback
type pendingMutation struct {
	roomID      uuid.UUID
	prevContent string
	prevEdited  *time.Time
	deleted     *domain.Message
	deletedAt   int
	prevStates  map[uuid.UUID]domain.MessageState
}

// Store is the per-session message log across rooms
type Store struct {
	mu     sync.RWMutex
	selfID uuid.UUID
	rooms  map[uuid.UUID]*roomLog

	// resolved remembers correlation ids that completed reconciliation,
	// so late self-echoes are dropped idempotently
	resolved map[uuid.UUID]bool

	// mutations in flight, keyed by message id (edit/delete) or a
	// synthetic read key
	mutations map[string]*pendingMutation

	subs    map[int]ChangeListener
	nextSub int
}

// NewStore creates a message store for the given local user
func NewStore(selfID uuid.UUID) *Store {
	return &Store{
		selfID:    selfID,
		rooms:     make(map[uuid.UUID]*roomLog),
		resolved:  make(map[uuid.UUID]bool),
		mutations: make(map[string]*pendingMutation),
		subs:      make(map[int]ChangeListener),
	}
}

// OpenRoom registers a room so messages can be appended to it
func (s *Store) OpenRoom(room domain.ChatRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return
	}
	s.rooms[room.ID] = &roomLog{
		room:          room,
		byCorrelation: make(map[uuid.UUID]*domain.Message),
		byServerID:    make(map[uuid.UUID]*domain.Message),
	}
}

// CloseRoom drops a room and its log
func (s *Store) CloseRoom(roomID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// Room returns a snapshot of the room's metadata
func (s *Store) Room(roomID uuid.UUID) (domain.ChatRoom, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.rooms[roomID]
	if !ok {
		return domain.ChatRoom{}, false
	}
	return log.room, true
}

// Rooms lists all open rooms
func (s *Store) Rooms() []domain.ChatRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ChatRoom, 0, len(s.rooms))
	for _, log := range s.rooms {
		out = append(out, log.room)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// AppendLocal inserts an optimistic pending message at the room tail and
// returns it. This is the optimistic-UI guarantee: synchronous, no network.
func (s *Store) AppendLocal(msg *domain.Message) (*domain.Message, error) {
	s.mu.Lock()

	log, ok := s.rooms[msg.RoomID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.Newf(apperrors.ErrCodeRoomNotFound, "room %s not open", msg.RoomID)
	}

	if msg.CorrelationID == uuid.Nil {
		msg.CorrelationID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.State = domain.MessageStatePending
	msg.SenderID = s.selfID

	log.messages = append(log.messages, msg)
	log.byCorrelation[msg.CorrelationID] = msg
	log.room.LastActivityAt = msg.CreatedAt
	s.mu.Unlock()

	metrics.MessagesPending.Inc()
	s.notify(msg.RoomID)
	return msg, nil
}

// Reconcile resolves a pending message to its server identity by
// correlation id, transitioning pending to sent. An ack for an unknown
// correlation id is an anomaly; the caller should ingest the server copy
// as a new message instead.
func (s *Store) Reconcile(correlationID uuid.UUID, serverID uuid.UUID, serverTimestamp time.Time) (*domain.Message, error) {
	s.mu.Lock()

	for _, log := range s.rooms {
		msg, ok := log.byCorrelation[correlationID]
		if !ok {
			continue
		}
		if msg.State != domain.MessageStatePending {
			// Duplicate ack; the first one already resolved this id
			s.mu.Unlock()
			metrics.DuplicateEventsDroppedTotal.Inc()
			return msg, nil
		}

		resolved := s.reconcileLocked(log, msg, serverID, serverTimestamp)
		s.mu.Unlock()
		s.notify(resolved.RoomID)
		return resolved, nil
	}
	s.mu.Unlock()

	metrics.ReconciliationMismatchTotal.Inc()
	logger.Warn("ack for unknown correlation id",
		zap.String("correlation_id", correlationID.String()),
		zap.String("server_id", serverID.String()))
	return nil, apperrors.Newf(apperrors.ErrCodeReconciliationMismatch,
		"no pending message for correlation id %s", correlationID)
}

// reconcileLocked transitions a pending message to sent under its server
// identity; callers hold s.mu and notify after unlocking
func (s *Store) reconcileLocked(log *roomLog, msg *domain.Message, serverID uuid.UUID, serverTimestamp time.Time) *domain.Message {
	ts := serverTimestamp
	msg.ID = serverID
	msg.ServerTimestamp = &ts
	msg.State = domain.MessageStateSent
	msg.Failure = ""
	log.byServerID[serverID] = msg
	s.resolved[msg.CorrelationID] = true
	resort(log)

	metrics.MessagesPending.Dec()
	metrics.MessagesSentTotal.WithLabelValues(string(msg.Type)).Inc()
	return msg
}

// IngestInbound applies a confirmed server message. A self-echo whose
// correlation id already resolved is dropped idempotently; everything else
// is inserted in server-timestamp order and bumps the room's unread count
// when it came from the peer.
func (s *Store) IngestInbound(msg *domain.Message) (*domain.Message, error) {
	s.mu.Lock()

	log, ok := s.rooms[msg.RoomID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.Newf(apperrors.ErrCodeRoomNotFound, "room %s not open", msg.RoomID)
	}

	if msg.SenderID == s.selfID && s.resolved[msg.CorrelationID] {
		s.mu.Unlock()
		metrics.DuplicateEventsDroppedTotal.Inc()
		return nil, apperrors.New(apperrors.ErrCodeDuplicateEvent, "self echo already reconciled")
	}
	if existing, ok := log.byCorrelation[msg.CorrelationID]; ok && existing.State == domain.MessageStatePending {
		// Echo raced the ack; resolve the pending copy in place
		resolved := s.reconcileLocked(log, existing, msg.ID, msg.OrderingTime())
		s.mu.Unlock()
		s.notify(resolved.RoomID)
		return resolved, nil
	}
	if msg.ID != uuid.Nil {
		if _, seen := log.byServerID[msg.ID]; seen {
			s.mu.Unlock()
			metrics.DuplicateEventsDroppedTotal.Inc()
			return nil, apperrors.Newf(apperrors.ErrCodeDuplicateEvent, "message %s already ingested", msg.ID)
		}
	}

	msg.State = domain.MessageStateSent
	log.messages = append(log.messages, msg)
	if msg.CorrelationID != uuid.Nil {
		log.byCorrelation[msg.CorrelationID] = msg
	}
	if msg.ID != uuid.Nil {
		log.byServerID[msg.ID] = msg
	}
	resort(log)

	log.room.LastActivityAt = msg.OrderingTime()
	if msg.SenderID != s.selfID {
		log.room.UnreadCount++
	}
	s.mu.Unlock()

	metrics.MessagesIngestedTotal.Inc()
	s.notify(msg.RoomID)
	return msg, nil
}

// MarkFailed transitions a pending message to failed with the given reason.
// The message stays in the log for explicit retry.
func (s *Store) MarkFailed(correlationID uuid.UUID, reason string) error {
	s.mu.Lock()

	for _, log := range s.rooms {
		msg, ok := log.byCorrelation[correlationID]
		if !ok {
			continue
		}
		if msg.State != domain.MessageStatePending {
			s.mu.Unlock()
			return nil
		}
		msg.State = domain.MessageStateFailed
		msg.Failure = reason
		s.mu.Unlock()
		metrics.MessagesPending.Dec()
		metrics.MessagesFailedTotal.WithLabelValues(reason).Inc()
		s.notify(msg.RoomID)
		return nil
	}
	s.mu.Unlock()
	return apperrors.Newf(apperrors.ErrCodeMessageNotFound, "no message for correlation id %s", correlationID)
}

// Retry returns a failed message to pending so the caller can resend it
func (s *Store) Retry(correlationID uuid.UUID) (*domain.Message, error) {
	s.mu.Lock()

	for _, log := range s.rooms {
		msg, ok := log.byCorrelation[correlationID]
		if !ok {
			continue
		}
		if msg.State != domain.MessageStateFailed {
			state := msg.State
			s.mu.Unlock()
			return nil, apperrors.Newf(apperrors.ErrCodeInvalidEvent,
				"message %s is %s, only failed messages retry", correlationID, state)
		}
		msg.State = domain.MessageStatePending
		msg.Failure = ""
		s.mu.Unlock()
		metrics.MessagesPending.Inc()
		s.notify(msg.RoomID)
		return msg, nil
	}
	s.mu.Unlock()
	return nil, apperrors.Newf(apperrors.ErrCodeMessageNotFound, "no message for correlation id %s", correlationID)
}

// FailAllPending marks every pending message older than age as failed.
// Called when the connection drops with sends in flight.
func (s *Store) FailAllPending(age time.Duration, reason string) int {
	s.mu.Lock()

	cutoff := time.Now().Add(-age)
	n := 0
	var changed []uuid.UUID
	for _, log := range s.rooms {
		failed := false
		for _, msg := range log.messages {
			if msg.State == domain.MessageStatePending && msg.CreatedAt.Before(cutoff) {
				msg.State = domain.MessageStateFailed
				msg.Failure = reason
				metrics.MessagesPending.Dec()
				metrics.MessagesFailedTotal.WithLabelValues(reason).Inc()
				n++
				failed = true
			}
		}
		if failed {
			changed = append(changed, log.room.ID)
		}
	}
	s.mu.Unlock()

	for _, roomID := range changed {
		s.notify(roomID)
	}
	return n
}

// Messages returns the room's ordered snapshot
func (s *Store) Messages(roomID uuid.UUID) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]domain.Message, len(log.messages))
	for i, msg := range log.messages {
		out[i] = *msg
	}
	return out
}

// Find returns a message by correlation id
func (s *Store) Find(correlationID uuid.UUID) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, log := range s.rooms {
		if msg, ok := log.byCorrelation[correlationID]; ok {
			return *msg, true
		}
	}
	return domain.Message{}, false
}

// ResetUnread clears the room's unread counter
func (s *Store) ResetUnread(roomID uuid.UUID) {
	s.mu.Lock()
	log, ok := s.rooms[roomID]
	if !ok || log.room.UnreadCount == 0 {
		s.mu.Unlock()
		return
	}
	log.room.UnreadCount = 0
	s.mu.Unlock()
	s.notify(roomID)
}

// Subscribe registers a change listener and returns its disposer
func (s *Store) Subscribe(fn ChangeListener) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// notify fans out a room change. Listeners run outside the store lock so
// they are free to query the store; callers must not hold s.mu.
func (s *Store) notify(roomID uuid.UUID) {
	s.mu.RLock()
	listeners := make([]ChangeListener, 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(roomID)
	}
}

// resort restores the ordering invariant: ascending by
// (serverTimestamp ?? localSubmitTime), ties broken by correlation id
func resort(log *roomLog) {
	sort.SliceStable(log.messages, func(i, j int) bool {
		ti, tj := log.messages[i].OrderingTime(), log.messages[j].OrderingTime()
		if ti.Equal(tj) {
			return log.messages[i].CorrelationID.String() < log.messages[j].CorrelationID.String()
		}
		return ti.Before(tj)
	})
}
