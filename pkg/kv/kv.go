// Package kv defines the key/value store contract the persistence
// layer is built on: named hash-like collections whose fields are
// entity ids and whose values are serialized entities, plus a pub/sub
// channel abstraction for cross-process change notifications.
//
// Two implementations exist: a Redis-backed client for production and
// an in-process hub for tests and single-node development. Both tag
// every published message with the publishing client's id so that
// subscribers can drop their own messages and only react to changes
// made by other processes.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrClosed        = errors.New("kv: store is closed")
	ErrNotConnected  = errors.New("kv: store is not connected")
	ErrNotSubscribed = errors.New("kv: not subscribed to channel")
)

// Handler receives the payload of a message published on a subscribed
// channel by another client.
type Handler func(payload []byte)

// Store is the minimal contract the persistence layer needs from a
// shared key/value store.
//
// Collections behave like hashes: Set/Get/Delete address a single
// field by entity id, GetAll returns every value in the collection,
// DeleteAll clears the collection. Append treats the value under an id
// as a JSON array and appends one item to it (read-modify-write; no
// atomicity guarantee across clients). Incr/GetCounter/ResetCounter
// operate on integer fields.
type Store interface {
	// Connect establishes the connection. Safe to call once before use.
	Connect(ctx context.Context) error
	// Close tears down the connection and all subscriptions.
	Close() error
	// Closed reports whether Close has been called.
	Closed() bool

	Set(ctx context.Context, collection, id string, value []byte) error
	// Get returns the stored value, or nil when the id is absent.
	Get(ctx context.Context, collection, id string) ([]byte, error)
	GetAll(ctx context.Context, collection string) ([][]byte, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteAll(ctx context.Context, collection string) error

	// Append adds item to the JSON array stored under id, creating the
	// array if absent.
	Append(ctx context.Context, collection, id string, item []byte) error

	Incr(ctx context.Context, collection, id string) (int64, error)
	GetCounter(ctx context.Context, collection, id string) (int64, error)
	ResetCounter(ctx context.Context, collection, id string) error

	// Publish sends payload on channel, tagged with this client's id.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers h for messages on channel published by other
	// clients. Messages this client published are filtered out.
	Subscribe(channel string, h Handler) error
	Unsubscribe(channel string) error
}

// envelope wraps every published payload with the origin client id so
// subscribers can filter self-published messages.
type envelope struct {
	ClientID string          `json:"clientId"`
	Data     json.RawMessage `json:"data"`
}

func wrapMessage(clientID string, payload []byte) ([]byte, error) {
	buf, err := json.Marshal(envelope{ClientID: clientID, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("kv: marshal envelope: %w", err)
	}
	return buf, nil
}

// unwrapMessage decodes an envelope and reports whether the message
// originated from the given client.
func unwrapMessage(clientID string, raw []byte) (payload []byte, self bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Not an envelope; deliver as-is.
		return raw, false
	}
	return env.Data, env.ClientID == clientID
}

// appendToList implements the shared read-modify-write list append:
// existing is the current JSON array (or nil) and item the element to
// add. Returns the new serialized array.
func appendToList(existing, item []byte) ([]byte, error) {
	list := []json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &list); err != nil {
			return nil, fmt.Errorf("kv: stored value is not a list: %w", err)
		}
	}
	list = append(list, json.RawMessage(item))
	buf, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("kv: marshal list: %w", err)
	}
	return buf, nil
}
