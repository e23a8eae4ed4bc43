package kv

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryHub is the shared state behind in-process stores. Several
// clients created from one hub see the same collections and exchange
// pub/sub messages, which lets tests simulate multiple server
// processes sharing a store.
type MemoryHub struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	counters    map[string]map[string]int64
	subscribers map[string]map[string]Handler // channel -> clientID -> handler
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		collections: make(map[string]map[string][]byte),
		counters:    make(map[string]map[string]int64),
		subscribers: make(map[string]map[string]Handler),
	}
}

// Client returns a new store sharing this hub's state, with its own
// client id for self-origin filtering.
func (h *MemoryHub) Client() *MemoryStore {
	return &MemoryStore{hub: h, clientID: uuid.NewString()}
}

// MemoryStore implements Store against an in-process MemoryHub.
type MemoryStore struct {
	hub      *MemoryHub
	clientID string
	closed   atomic.Bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store with a private hub, for callers that
// do not need to simulate multiple clients.
func NewMemoryStore() *MemoryStore {
	return NewMemoryHub().Client()
}

// ClientID returns the id used to tag published messages.
func (s *MemoryStore) ClientID() string { return s.clientID }

// Connect is a no-op for the in-process store.
func (s *MemoryStore) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close drops this client's subscriptions.
func (s *MemoryStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.mu.Lock()
	for _, subs := range s.hub.subscribers {
		delete(subs, s.clientID)
	}
	s.hub.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (s *MemoryStore) Closed() bool { return s.closed.Load() }

func (s *MemoryStore) ready() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Set stores value under id in collection.
func (s *MemoryStore) Set(ctx context.Context, collection, id string, value []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)

	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	c, ok := s.hub.collections[collection]
	if !ok {
		c = make(map[string][]byte)
		s.hub.collections[collection] = c
	}
	c[id] = cp
	return nil
}

// Get returns the value under id, or nil when absent.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	v, ok := s.hub.collections[collection][id]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// GetAll returns every value in collection.
func (s *MemoryStore) GetAll(ctx context.Context, collection string) ([][]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	c := s.hub.collections[collection]
	out := make([][]byte, 0, len(c))
	for _, v := range c {
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, cp)
	}
	return out, nil
}

// Delete removes id from collection.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.collections[collection], id)
	return nil
}

// DeleteAll clears the whole collection.
func (s *MemoryStore) DeleteAll(ctx context.Context, collection string) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.collections, collection)
	return nil
}

// Append adds item to the JSON array stored under id.
func (s *MemoryStore) Append(ctx context.Context, collection, id string, item []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	c, ok := s.hub.collections[collection]
	if !ok {
		c = make(map[string][]byte)
		s.hub.collections[collection] = c
	}
	next, err := appendToList(c[id], item)
	if err != nil {
		return err
	}
	c[id] = next
	return nil
}

// Incr increments the counter under id and returns the new value.
func (s *MemoryStore) Incr(ctx context.Context, collection, id string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	c, ok := s.hub.counters[collection]
	if !ok {
		c = make(map[string]int64)
		s.hub.counters[collection] = c
	}
	c[id]++
	return c[id], nil
}

// GetCounter reads the counter under id, 0 when absent.
func (s *MemoryStore) GetCounter(ctx context.Context, collection, id string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.hub.counters[collection][id], nil
}

// ResetCounter removes the counter under id.
func (s *MemoryStore) ResetCounter(ctx context.Context, collection, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.counters[collection], id)
	return nil
}

// Publish delivers payload synchronously to every other client
// subscribed on channel.
func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.hub.mu.RLock()
	handlers := make([]Handler, 0, len(s.hub.subscribers[channel]))
	for clientID, h := range s.hub.subscribers[channel] {
		if clientID == s.clientID {
			continue
		}
		handlers = append(handlers, h)
	}
	s.hub.mu.RUnlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	for _, h := range handlers {
		h(cp)
	}
	return nil
}

// Subscribe registers h for messages on channel from other clients.
func (s *MemoryStore) Subscribe(channel string, h Handler) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	subs, ok := s.hub.subscribers[channel]
	if !ok {
		subs = make(map[string]Handler)
		s.hub.subscribers[channel] = subs
	}
	subs[s.clientID] = h
	return nil
}

// Unsubscribe stops delivery for channel.
func (s *MemoryStore) Unsubscribe(channel string) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	subs, ok := s.hub.subscribers[channel]
	if !ok {
		return ErrNotSubscribed
	}
	if _, ok := subs[s.clientID]; !ok {
		return ErrNotSubscribed
	}
	delete(subs, s.clientID)
	return nil
}
