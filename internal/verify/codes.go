package verify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const codeKeyPrefix = "otp:"

// RedisCodeStore keeps one-time codes in Redis with a TTL, so expiry works
// across restarts and multiple kiosk processes.
type RedisCodeStore struct {
	client *redis.Client
}

func NewRedisCodeStore(client *redis.Client) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

func (s *RedisCodeStore) Put(ctx context.Context, phone, code string, ttl time.Duration) error {
	return s.client.Set(ctx, codeKeyPrefix+phone, code, ttl).Err()
}

func (s *RedisCodeStore) Get(ctx context.Context, phone string) (string, bool, error) {
	value, err := s.client.Get(ctx, codeKeyPrefix+phone).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisCodeStore) Delete(ctx context.Context, phone string) error {
	return s.client.Del(ctx, codeKeyPrefix+phone).Err()
}

// MemoryCodeStore is the single-node fallback used when no Redis address
// is configured, and in tests.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]issuedCode
	now   func() time.Time
}

type issuedCode struct {
	code      string
	expiresAt time.Time
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{
		codes: make(map[string]issuedCode),
		now:   time.Now,
	}
}

func (s *MemoryCodeStore) Put(ctx context.Context, phone, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[phone] = issuedCode{code: code, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryCodeStore) Get(ctx context.Context, phone string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issued, ok := s.codes[phone]
	if !ok {
		return "", false, nil
	}
	if s.now().After(issued.expiresAt) {
		delete(s.codes, phone)
		return "", false, nil
	}
	return issued.code, true, nil
}

func (s *MemoryCodeStore) Delete(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, phone)
	return nil
}
