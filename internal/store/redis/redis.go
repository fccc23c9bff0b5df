// Package redis provides a kv.Backend and an events.Broker on top of a
// single Redis deployment.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix puts every key in one hash slot so commits stay valid on
// Redis Cluster.
const DefaultPrefix = "{sessionkv}:"

// Store is a kv.Backend. Each logical key is a hash holding the value and
// the versionstamp of the commit that wrote it.
type Store struct {
	client *redis.Client
	prefix string
}

func New(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client. An empty prefix selects
// DefaultPrefix.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis.Store.Ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redis.Store.Close: %w", err)
	}
	return nil
}

// PubSub returns a broker sharing the store's connection pool.
func (s *Store) PubSub() *PubSub {
	return &PubSub{client: s.client}
}
