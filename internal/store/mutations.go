package store

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/domain"
	apperrors "chatsync/pkg/errors"
)

// Optimistic mutations: the local change is applied first and an ack
// confirms it. On failure the mutation rolls back and the affected message
// carries a per-message error; a failure never blocks other messages.

// MarkRead optimistically marks the given messages read. Confirm with
// ConfirmRead or undo with RollbackRead using the returned token. One read
// receipt per room may be in flight; the next one waits for its outcome.
func (s *Store) MarkRead(roomID uuid.UUID, messageIDs []uuid.UUID) (string, error) {
	s.mu.Lock()

	log, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return "", apperrors.Newf(apperrors.ErrCodeRoomNotFound, "room %s not open", roomID)
	}
	for token, mut := range s.mutations {
		if strings.HasPrefix(token, "read:") && mut.roomID == roomID {
			s.mu.Unlock()
			return "", apperrors.Newf(apperrors.ErrCodeInvalidEvent,
				"room %s already has a read receipt in flight", roomID)
		}
	}

	mut := &pendingMutation{
		roomID:     roomID,
		prevStates: make(map[uuid.UUID]domain.MessageState),
	}
	for _, id := range messageIDs {
		msg, ok := log.byServerID[id]
		if !ok {
			continue
		}
		if msg.State == domain.MessageStateRead {
			continue
		}
		mut.prevStates[id] = msg.State
		msg.State = domain.MessageStateRead
	}
	if len(mut.prevStates) == 0 {
		s.mu.Unlock()
		return "", nil
	}

	token := "read:" + uuid.NewString()
	s.mutations[token] = mut
	log.room.UnreadCount = 0
	s.mu.Unlock()
	s.notify(roomID)
	return token, nil
}

// ConfirmRead discards the rollback state for a confirmed read receipt
func (s *Store) ConfirmRead(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mutations, token)
}

// RollbackRead restores the pre-read states and surfaces the reason on each
// affected message
func (s *Store) RollbackRead(token, reason string) {
	if token == "" {
		return
	}
	s.mu.Lock()

	mut, ok := s.mutations[token]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.mutations, token)

	log, ok := s.rooms[mut.roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for id, prev := range mut.prevStates {
		if msg, ok := log.byServerID[id]; ok {
			msg.State = prev
			msg.Failure = reason
		}
	}
	s.mu.Unlock()
	s.notify(mut.roomID)
}

// Edit optimistically replaces a confirmed message's content
func (s *Store) Edit(roomID, messageID uuid.UUID, content string) error {
	s.mu.Lock()

	log, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeRoomNotFound, "room %s not open", roomID)
	}
	msg, ok := log.byServerID[messageID]
	if !ok {
		s.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeMessageNotFound, "message %s not found", messageID)
	}

	key := "edit:" + messageID.String()
	if _, busy := s.mutations[key]; busy {
		s.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeInvalidEvent, "message %s already has an edit in flight", messageID)
	}

	now := time.Now()
	s.mutations[key] = &pendingMutation{
		roomID:      roomID,
		prevContent: msg.Content,
		prevEdited:  msg.EditedAt,
	}
	msg.Content = content
	msg.EditedAt = &now
	msg.Failure = ""
	s.mu.Unlock()
	s.notify(roomID)
	return nil
}

// ConfirmEdit fixes the optimistic edit with the server's timestamp
func (s *Store) ConfirmEdit(roomID, messageID uuid.UUID, editedAt time.Time) {
	s.mu.Lock()

	delete(s.mutations, "edit:"+messageID.String())
	changed := false
	if log, ok := s.rooms[roomID]; ok {
		if msg, ok := log.byServerID[messageID]; ok {
			msg.EditedAt = &editedAt
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify(roomID)
	}
}

// RollbackEdit restores the previous content and surfaces the reason
func (s *Store) RollbackEdit(messageID uuid.UUID, reason string) {
	s.mu.Lock()

	key := "edit:" + messageID.String()
	mut, ok := s.mutations[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.mutations, key)

	log, ok := s.rooms[mut.roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	changed := false
	if msg, ok := log.byServerID[messageID]; ok {
		msg.Content = mut.prevContent
		msg.EditedAt = mut.prevEdited
		msg.Failure = reason
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify(mut.roomID)
	}
}

// Delete optimistically removes a confirmed message from the room log
func (s *Store) Delete(roomID, messageID uuid.UUID) error {
	s.mu.Lock()

	log, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeRoomNotFound, "room %s not open", roomID)
	}
	msg, ok := log.byServerID[messageID]
	if !ok {
		s.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeMessageNotFound, "message %s not found", messageID)
	}

	key := "delete:" + messageID.String()
	if _, busy := s.mutations[key]; busy {
		s.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeInvalidEvent, "message %s already has a delete in flight", messageID)
	}

	idx := -1
	for i, m := range log.messages {
		if m == msg {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeMessageNotFound, "message %s not in log", messageID)
	}

	s.mutations[key] = &pendingMutation{
		roomID:    roomID,
		deleted:   msg,
		deletedAt: idx,
	}
	log.messages = append(log.messages[:idx], log.messages[idx+1:]...)
	delete(log.byServerID, messageID)
	delete(log.byCorrelation, msg.CorrelationID)
	s.mu.Unlock()
	s.notify(roomID)
	return nil
}

// ConfirmDelete discards the rollback state of a confirmed deletion
func (s *Store) ConfirmDelete(messageID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mutations, "delete:"+messageID.String())
}

// RollbackDelete reinserts the message and surfaces the reason
func (s *Store) RollbackDelete(messageID uuid.UUID, reason string) {
	s.mu.Lock()

	key := "delete:" + messageID.String()
	mut, ok := s.mutations[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.mutations, key)

	log, ok := s.rooms[mut.roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	msg := mut.deleted
	msg.Failure = reason
	log.messages = append(log.messages, msg)
	log.byServerID[messageID] = msg
	if msg.CorrelationID != uuid.Nil {
		log.byCorrelation[msg.CorrelationID] = msg
	}
	resort(log)
	s.mu.Unlock()
	s.notify(mut.roomID)
}

// ApplyRemoteEdit applies a peer-confirmed edit to the local copy
func (s *Store) ApplyRemoteEdit(roomID, messageID uuid.UUID, content string, editedAt time.Time) {
	s.mu.Lock()

	// Our own in-flight edit wins until its ack resolves it
	if _, busy := s.mutations["edit:"+messageID.String()]; busy {
		s.mu.Unlock()
		return
	}
	changed := false
	if log, ok := s.rooms[roomID]; ok {
		if msg, ok := log.byServerID[messageID]; ok {
			msg.Content = content
			msg.EditedAt = &editedAt
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify(roomID)
	}
}

// ApplyRemoteDelete applies a peer-confirmed deletion to the local copy
func (s *Store) ApplyRemoteDelete(roomID, messageID uuid.UUID) {
	s.mu.Lock()

	log, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	msg, ok := log.byServerID[messageID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for i, m := range log.messages {
		if m == msg {
			log.messages = append(log.messages[:i], log.messages[i+1:]...)
			break
		}
	}
	delete(log.byServerID, messageID)
	delete(log.byCorrelation, msg.CorrelationID)
	s.mu.Unlock()
	s.notify(roomID)
}

// ApplyReadReceipt marks our sent messages read when the peer reports them
func (s *Store) ApplyReadReceipt(roomID uuid.UUID, readerID uuid.UUID, messageIDs []uuid.UUID) {
	s.mu.Lock()

	if readerID == s.selfID {
		s.mu.Unlock()
		return
	}
	log, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}

	changed := false
	mark := func(msg *domain.Message) {
		if msg.SenderID != s.selfID {
			return
		}
		if msg.State == domain.MessageStateSent || msg.State == domain.MessageStateDelivered {
			msg.State = domain.MessageStateRead
			changed = true
		}
	}
	if len(messageIDs) == 0 {
		// No explicit ids means everything the peer had is now read
		for _, msg := range log.messages {
			mark(msg)
		}
	} else {
		for _, id := range messageIDs {
			if msg, ok := log.byServerID[id]; ok {
				mark(msg)
			}
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify(roomID)
	}
}
