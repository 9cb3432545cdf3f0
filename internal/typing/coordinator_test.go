package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/config"
)

type signalRecorder struct {
	mu      sync.Mutex
	signals []bool
}

func (r *signalRecorder) record(roomID uuid.UUID, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, typing)
}

func (r *signalRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.signals...)
}

func newTestCoordinator(rec *signalRecorder) *Coordinator {
	cfg := config.TypingConfig{
		IdleStop: 40 * time.Millisecond,
		Expiry:   60 * time.Millisecond,
	}
	return NewCoordinator(cfg, rec.record)
}

func TestBurstEmitsStartOnce(t *testing.T) {
	rec := &signalRecorder{}
	c := newTestCoordinator(rec)
	defer c.Close()

	roomID := uuid.New()
	c.StartTyping(roomID)
	c.StartTyping(roomID)
	c.StartTyping(roomID)

	assert.Equal(t, []bool{true}, rec.snapshot())
}

func TestIdleStopFiresAfterQuietPeriod(t *testing.T) {
	rec := &signalRecorder{}
	c := newTestCoordinator(rec)
	defer c.Close()

	roomID := uuid.New()
	c.StartTyping(roomID)

	require.Eventually(t, func() bool {
		s := rec.snapshot()
		return len(s) == 2 && !s[1]
	}, time.Second, 5*time.Millisecond)
}

func TestKeystrokesExtendTheBurst(t *testing.T) {
	rec := &signalRecorder{}
	c := newTestCoordinator(rec)
	defer c.Close()

	roomID := uuid.New()
	c.StartTyping(roomID)

	// Keep typing past the idle window; no stop may fire in between
	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		c.StartTyping(roomID)
	}
	assert.Equal(t, []bool{true}, rec.snapshot())

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopTypingEndsBurstImmediately(t *testing.T) {
	rec := &signalRecorder{}
	c := newTestCoordinator(rec)
	defer c.Close()

	roomID := uuid.New()
	c.StartTyping(roomID)
	c.StopTyping(roomID)

	assert.Equal(t, []bool{true, false}, rec.snapshot())

	// The cancelled idle timer must not emit a second stop
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.snapshot())
}

func TestStopWithoutBurstIsSilent(t *testing.T) {
	rec := &signalRecorder{}
	c := newTestCoordinator(rec)
	defer c.Close()

	c.StopTyping(uuid.New())
	assert.Empty(t, rec.snapshot())
}

func TestRemoteTypingExpiresOnItsOwn(t *testing.T) {
	rec := &signalRecorder{}
	c := newTestCoordinator(rec)
	defer c.Close()

	roomID, userID := uuid.New(), uuid.New()
	c.OnRemoteTyping(roomID, userID, true)
	assert.Equal(t, []uuid.UUID{userID}, c.TypingUsers(roomID))

	// The stop event is lost; expiry clears the entry anyway
	require.Eventually(t, func() bool {
		return len(c.TypingUsers(roomID)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRemoteTypingRefreshesExpiry(t *testing.T) {
	rec := &signalRecorder{}
	c := newTestCoordinator(rec)
	defer c.Close()

	roomID, userID := uuid.New(), uuid.New()
	c.OnRemoteTyping(roomID, userID, true)
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		c.OnRemoteTyping(roomID, userID, true)
		assert.Len(t, c.TypingUsers(roomID), 1)
	}
}

func TestRemoteStopClearsImmediately(t *testing.T) {
	rec := &signalRecorder{}
	c := newTestCoordinator(rec)
	defer c.Close()

	roomID, userID := uuid.New(), uuid.New()
	c.OnRemoteTyping(roomID, userID, true)
	c.OnRemoteTyping(roomID, userID, false)
	assert.Empty(t, c.TypingUsers(roomID))
}

func TestSubscribeObservesSetChanges(t *testing.T) {
	rec := &signalRecorder{}
	c := newTestCoordinator(rec)
	defer c.Close()

	var mu sync.Mutex
	var sizes []int
	c.Subscribe(func(roomID uuid.UUID, users []uuid.UUID) {
		mu.Lock()
		sizes = append(sizes, len(users))
		mu.Unlock()
	})

	roomID := uuid.New()
	c.OnRemoteTyping(roomID, uuid.New(), true)
	c.OnRemoteTyping(roomID, uuid.New(), true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, sizes)
}

func TestCancelRoomDropsEverything(t *testing.T) {
	rec := &signalRecorder{}
	c := newTestCoordinator(rec)
	defer c.Close()

	roomID := uuid.New()
	c.StartTyping(roomID)
	c.OnRemoteTyping(roomID, uuid.New(), true)

	c.CancelRoom(roomID)
	assert.Empty(t, c.TypingUsers(roomID))

	// Burst state is gone; the idle timer must not emit a stop
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []bool{true}, rec.snapshot())
}
