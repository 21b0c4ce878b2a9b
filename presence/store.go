// Package presence tracks which users have at least one live socket.
package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	onlineUsersKey = "ws:online_users"
	storeTimeout   = 2 * time.Second
)

type Store interface {
	AddOnlineUser(ctx context.Context, userID string) error
	RemoveOnlineUser(ctx context.Context, userID string) error
	GetOnlineUsers(ctx context.Context) ([]string, error)
}

// RedisStore keeps a per-user count of processes holding a socket in one
// hash, so a user stays online while any process still serves them.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// NewRedisStoreFromURL dials a redis:// or rediss:// URL.
func NewRedisStoreFromURL(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

func (s *RedisStore) AddOnlineUser(ctx context.Context, userID string) error {
	return s.rdb.HIncrBy(ctx, onlineUsersKey, userID, 1).Err()
}

// decrScript drops the field once its count reaches zero.
var decrScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
end
return n
`)

func (s *RedisStore) RemoveOnlineUser(ctx context.Context, userID string) error {
	return decrScript.Run(ctx, s.rdb, []string{onlineUsersKey}, userID).Err()
}

func (s *RedisStore) GetOnlineUsers(ctx context.Context) ([]string, error) {
	counts, err := s.rdb.HGetAll(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(counts))
	for user, raw := range counts {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// MemoryStore is the single-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int)}
}

func (s *MemoryStore) AddOnlineUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[userID]++
	return nil
}

func (s *MemoryStore) RemoveOnlineUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[userID] <= 1 {
		delete(s.counts, userID)
		return nil
	}
	s.counts[userID]--
	return nil
}

func (s *MemoryStore) GetOnlineUsers(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.counts))
	for user := range s.counts {
		users = append(users, user)
	}
	sort.Strings(users)
	return users, nil
}

// Tracker adapts a Store to the registry's online and offline hooks.
// Store failures are logged; presence is advisory.
type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

func (t *Tracker) Online(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := t.store.AddOnlineUser(ctx, userID); err != nil {
		log().Warn("Failed to mark user online", zap.String("user_id", userID), zap.Error(err))
	}
}

func (t *Tracker) Offline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := t.store.RemoveOnlineUser(ctx, userID); err != nil {
		log().Warn("Failed to mark user offline", zap.String("user_id", userID), zap.Error(err))
	}
}

// HandleOnlineUsers serves GET /_dev/online as {"users": [...]}.
func (t *Tracker) HandleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := t.store.GetOnlineUsers(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		log().Error("Failed to get online users", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "presence store unavailable"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string][]string{"users": users})
}

func log() *zap.Logger {
	return zap.L().Named("presence")
}
