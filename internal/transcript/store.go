// Package transcript keeps completed chat turns per mic session.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "voice-chat:transcript:"

// Entry is one completed turn
type Entry struct {
	TurnID    string    `json:"turn_id"`
	Prompt    string    `json:"prompt"`
	Reply     string    `json:"reply"`
	Backend   string    `json:"backend"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists session transcripts
type Store interface {
	Append(ctx context.Context, sessionID string, entry Entry) error
	List(ctx context.Context, sessionID string) ([]Entry, error)
	Clear(ctx context.Context, sessionID string) error
}

// RedisStore keeps each transcript as a JSON list that expires after ttl
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to the Redis instance at redisURL
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return NewRedisStoreFromClient(redis.NewClient(opts), ttl), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func key(sessionID string) string {
	return keyPrefix + sessionID
}

// Append adds entry to the end of the session transcript and refreshes its expiry
func (s *RedisStore) Append(ctx context.Context, sessionID string, entry Entry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key(sessionID), b)
	if s.ttl > 0 {
		pipe.Expire(ctx, key(sessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append transcript entry: %w", err)
	}
	return nil
}

// List returns the session transcript in order. Corrupt entries are skipped.
func (s *RedisStore) List(ctx context.Context, sessionID string) ([]Entry, error) {
	raw, err := s.rdb.LRange(ctx, key(sessionID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Clear deletes the session transcript
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, key(sessionID)).Err()
}

// Ping checks the connection, for readiness probes
func (s *RedisStore) Ping(ctx context.Context) (bool, error) {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// MemoryStore keeps transcripts in process. It is used when Redis is not configured.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Entry
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Entry)}
}

// Append implements Store
func (s *MemoryStore) Append(ctx context.Context, sessionID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], entry)
	return nil
}

// List implements Store
func (s *MemoryStore) List(ctx context.Context, sessionID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.sessions[sessionID]...), nil
}

// Clear implements Store
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// NopStore discards everything
type NopStore struct{}

func (NopStore) Append(ctx context.Context, sessionID string, entry Entry) error { return nil }

func (NopStore) List(ctx context.Context, sessionID string) ([]Entry, error) { return nil, nil }

func (NopStore) Clear(ctx context.Context, sessionID string) error { return nil }
