package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `json:"addr" yaml:"addr"`

	// Password is the optional AUTH password.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// DB is the logical database number.
	DB int `json:"db,omitempty" yaml:"db,omitempty"`

	// KeyPrefix is prepended to every collection key so several
	// deployments can share one Redis instance.
	KeyPrefix string `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`
}

// DefaultRedisConfig returns settings for a local Redis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Addr: "localhost:6379", KeyPrefix: "imposters:"}
}

// RedisStore implements Store on top of a Redis server. Collections
// map to hashes, counters to HINCRBY fields, and change notifications
// to native Redis pub/sub.
type RedisStore struct {
	cfg      RedisConfig
	client   *redis.Client
	clientID string

	closed atomic.Bool

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates an unconnected RedisStore. Call Connect before
// issuing operations.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	return &RedisStore{
		cfg:      cfg,
		clientID: uuid.NewString(),
		subs:     make(map[string]*redis.PubSub),
	}
}

// ClientID returns the id used to tag published messages.
func (s *RedisStore) ClientID() string { return s.clientID }

// Connect dials the server and verifies it with a PING.
func (s *RedisStore) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.client != nil {
		return nil
	}
	s.client = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.client = nil
		return fmt.Errorf("kv: connect to redis %s: %w", s.cfg.Addr, err)
	}
	return nil
}

// Close unsubscribes every channel and closes the connection.
func (s *RedisStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	for ch, ps := range s.subs {
		_ = ps.Close()
		delete(s.subs, ch)
	}
	s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Closed reports whether Close has been called.
func (s *RedisStore) Closed() bool { return s.closed.Load() }

func (s *RedisStore) ready() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.client == nil {
		return ErrNotConnected
	}
	return nil
}

func (s *RedisStore) key(collection string) string {
	return s.cfg.KeyPrefix + collection
}

// Set stores value under id in collection.
func (s *RedisStore) Set(ctx context.Context, collection, id string, value []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key(collection), id, value).Err()
}

// Get returns the value under id, or nil when absent.
func (s *RedisStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	buf, err := s.client.HGet(ctx, s.key(collection), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// GetAll returns every value in collection.
func (s *RedisStore) GetAll(ctx context.Context, collection string) ([][]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	vals, err := s.client.HVals(ctx, s.key(collection)).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

// Delete removes id from collection. Deleting an absent id is a no-op.
func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.HDel(ctx, s.key(collection), id).Err()
}

// DeleteAll clears the whole collection.
func (s *RedisStore) DeleteAll(ctx context.Context, collection string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.Del(ctx, s.key(collection)).Err()
}

// Append adds item to the JSON array stored under id. The append is a
// read-modify-write; concurrent appends from different clients can
// race, which callers accept for diagnostic log collections.
func (s *RedisStore) Append(ctx context.Context, collection, id string, item []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	existing, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	next, err := appendToList(existing, item)
	if err != nil {
		return err
	}
	return s.Set(ctx, collection, id, next)
}

// Incr atomically increments the counter under id and returns the new
// value.
func (s *RedisStore) Incr(ctx context.Context, collection, id string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.client.HIncrBy(ctx, s.key(collection), id, 1).Result()
}

// GetCounter reads the counter under id, 0 when absent.
func (s *RedisStore) GetCounter(ctx context.Context, collection, id string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	n, err := s.client.HGet(ctx, s.key(collection), id).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ResetCounter removes the counter under id.
func (s *RedisStore) ResetCounter(ctx context.Context, collection, id string) error {
	return s.Delete(ctx, collection, id)
}

// Publish sends payload on channel wrapped in this client's envelope.
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	msg, err := wrapMessage(s.clientID, payload)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.key(channel), msg).Err()
}

// Subscribe registers h for messages on channel. Messages published by
// this client are dropped before h is invoked. Only one handler per
// channel; subscribing again replaces the previous handler.
func (s *RedisStore) Subscribe(channel string, h Handler) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.mu.Lock()
	if prev, ok := s.subs[channel]; ok {
		_ = prev.Close()
		delete(s.subs, channel)
	}
	ps := s.client.Subscribe(context.Background(), s.key(channel))
	s.subs[channel] = ps
	s.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			payload, self := unwrapMessage(s.clientID, []byte(msg.Payload))
			if self {
				continue
			}
			h(payload)
		}
	}()
	return nil
}

// Unsubscribe stops delivery for channel.
func (s *RedisStore) Unsubscribe(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.subs[channel]
	if !ok {
		return ErrNotSubscribed
	}
	delete(s.subs, channel)
	return ps.Close()
}
