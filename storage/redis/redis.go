// Package redis provides Redis-backed implementations of the single-use
// stores (state tokens and login flows). In a multi-replica deployment the
// IdP callback and the browser's token exchange can land on different
// processes, so these stores must be shared; Redis GETDEL keeps the
// read-and-delete atomic across replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamvane/authbroker/storage"
)

const (
	pendingKeyPrefix = "authbroker:pending:"
	flowKeyPrefix    = "authbroker:flow:"
)

// Store implements StateTokenStore and FlowStore on Redis.
type Store struct {
	client redis.UniversalClient
}

// New creates a Redis-backed store from an existing client.
func New(client redis.UniversalClient) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis: client is required")
	}
	return &Store{client: client}, nil
}

// PutPendingAuth stores a pending bundle under a state token with a TTL.
func (s *Store) PutPendingAuth(ctx context.Context, token string, pending *storage.PendingAuth, ttl time.Duration) error {
	if token == "" || pending == nil {
		return fmt.Errorf("redis: state token and bundle are required")
	}
	return s.put(ctx, pendingKeyPrefix+token, pending, ttl)
}

// ConsumePendingAuth atomically retrieves and deletes a pending bundle.
func (s *Store) ConsumePendingAuth(ctx context.Context, token string) (*storage.PendingAuth, error) {
	var pending storage.PendingAuth
	if err := s.consume(ctx, pendingKeyPrefix+token, &pending); err != nil {
		return nil, err
	}
	return &pending, nil
}

// PutLoginFlow stores a PKCE context under a flow ID with a TTL.
func (s *Store) PutLoginFlow(ctx context.Context, flowID string, flow *storage.LoginFlow, ttl time.Duration) error {
	if flowID == "" || flow == nil {
		return fmt.Errorf("redis: flow ID and flow are required")
	}
	return s.put(ctx, flowKeyPrefix+flowID, flow, ttl)
}

// ConsumeLoginFlow atomically retrieves and deletes a login flow.
func (s *Store) ConsumeLoginFlow(ctx context.Context, flowID string) (*storage.LoginFlow, error) {
	var flow storage.LoginFlow
	if err := s.consume(ctx, flowKeyPrefix+flowID, &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

func (s *Store) put(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis: marshaling value: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis: persisting %s: %w", key, err)
	}
	return nil
}

// consume is the atomic read-and-delete. GETDEL guarantees that of two
// concurrent consumers exactly one receives the value; the other sees
// redis.Nil and reports ErrNotFound. TTL expiry also surfaces as redis.Nil.
func (s *Store) consume(ctx context.Context, key string, out any) error {
	payload, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("redis: consuming %s: %w", key, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("redis: decoding %s: %w", key, err)
	}
	return nil
}

var (
	_ storage.StateTokenStore = (*Store)(nil)
	_ storage.FlowStore       = (*Store)(nil)
)
