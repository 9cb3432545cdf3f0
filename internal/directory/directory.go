// Package directory resolves peer user profiles (display name, avatar,
// last seen) for the chat UI. Lookups hit Redis and are cached in memory
// with a short TTL so room lists do not hammer the directory.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "chatsync/pkg/errors"
)

// Profile is the directory record for one user
type Profile struct {
	UserID      uuid.UUID `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
}

// ProfileProvider resolves user profiles
type ProfileProvider interface {
	Profile(ctx context.Context, userID uuid.UUID) (Profile, error)
	UserIDByUsername(ctx context.Context, username string) (uuid.UUID, error)
}

const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	profile   Profile
	expiresAt time.Time
}

// RedisDirectory is a ProfileProvider backed by Redis with an in-memory
// read-through cache
type RedisDirectory struct {
	client *redis.Client

	mu    sync.RWMutex
	cache map[uuid.UUID]cacheEntry
}

// NewRedisDirectory wraps an existing Redis client
func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{
		client: client,
		cache:  make(map[uuid.UUID]cacheEntry),
	}
}

// Profile returns the user's profile, from cache when fresh
func (d *RedisDirectory) Profile(ctx context.Context, userID uuid.UUID) (Profile, error) {
	d.mu.RLock()
	entry, ok := d.cache[userID]
	d.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.profile, nil
	}

	key := fmt.Sprintf("directory:profile:%s", userID)
	raw, err := d.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return Profile{}, apperrors.Newf(apperrors.ErrCodeUserNotFound, "user %s not in directory", userID)
		}
		return Profile{}, apperrors.Wrap(apperrors.ErrCodeStorage, "directory lookup failed", err)
	}

	var profile Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return Profile{}, apperrors.Wrap(apperrors.ErrCodeStorage, "invalid profile record", err)
	}

	d.mu.Lock()
	d.cache[userID] = cacheEntry{profile: profile, expiresAt: time.Now().Add(cacheTTL)}
	d.mu.Unlock()
	return profile, nil
}

// UserIDByUsername resolves a username to a user id
func (d *RedisDirectory) UserIDByUsername(ctx context.Context, username string) (uuid.UUID, error) {
	key := fmt.Sprintf("directory:username:%s", username)
	raw, err := d.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return uuid.Nil, apperrors.Newf(apperrors.ErrCodeUserNotFound, "username %q not in directory", username)
		}
		return uuid.Nil, apperrors.Wrap(apperrors.ErrCodeStorage, "directory lookup failed", err)
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.Wrap(apperrors.ErrCodeStorage, "invalid user id in directory", err)
	}
	return userID, nil
}

// Register writes a profile and its username mapping. Used by the sandbox
// server to seed the directory.
func (d *RedisDirectory) Register(ctx context.Context, profile Profile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "failed to encode profile", err)
	}
	profileKey := fmt.Sprintf("directory:profile:%s", profile.UserID)
	if err := d.client.Set(ctx, profileKey, raw, 0).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStorage, "failed to store profile", err)
	}
	usernameKey := fmt.Sprintf("directory:username:%s", profile.Username)
	if err := d.client.Set(ctx, usernameKey, profile.UserID.String(), 0).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStorage, "failed to store username mapping", err)
	}

	d.mu.Lock()
	d.cache[profile.UserID] = cacheEntry{profile: profile, expiresAt: time.Now().Add(cacheTTL)}
	d.mu.Unlock()
	return nil
}
