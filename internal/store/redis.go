package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the shared keys under a common prefix and pushes
// change notifications over a pub/sub channel, Redis being the
// platform-native broadcast primitive for instances whose tabs span
// machines.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
}

// NewRedisStore wraps a Redis client. The prefix scopes one
// application instance; tabs of the same instance must share it.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sessionclock"
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix + ":",
		channel: prefix + ":changes",
	}
}

func (s *RedisStore) fullKey(key string) string {
	return s.prefix + key
}

// Get returns the value for key or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Set stores the value and publishes a change notification.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.fullKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	s.publish(ctx, key, OpSet)
	return nil
}

// Delete removes the key and publishes a change notification.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.publish(ctx, key, OpDelete)
	return nil
}

func (s *RedisStore) publish(ctx context.Context, key string, op Op) {
	// Best effort; watchers self-heal by re-reading on the next event.
	payload := fmt.Sprintf("%d:%s", int(op), key)
	_ = s.client.Publish(ctx, s.channel, payload).Err()
}

// Keys lists keys with the given prefix.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.fullKey(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Watch subscribes to the instance's change channel.
func (s *RedisStore) Watch(ctx context.Context) (<-chan Event, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("watch: %w", err)
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				op, key, found := strings.Cut(msg.Payload, ":")
				if !found {
					continue
				}
				ev := Event{Key: key, Op: OpSet}
				if op == "1" {
					ev.Op = OpDelete
				}
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}()

	return ch, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
