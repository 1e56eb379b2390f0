package syncqueue

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

var errEmpty = errors.New("queue empty")

// Backend is an ordered list store. Push appends at the tail. Claim moves the
// head of one list to the tail of another, so an item is never held only in
// memory while it is being worked on.
type Backend interface {
	Push(ctx context.Context, key string, payload []byte) error
	// Claim moves the head of src to the tail of dst and returns it.
	Claim(ctx context.Context, src, dst string) ([]byte, error)
	// Restore moves the tail of src back to the head of dst.
	Restore(ctx context.Context, src, dst string) ([]byte, error)
	// Ack removes one occurrence of payload from key.
	Ack(ctx context.Context, key string, payload []byte) error
	Len(ctx context.Context, key string) (int64, error)
	Range(ctx context.Context, key string) ([][]byte, error)
}

type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Push(ctx context.Context, key string, payload []byte) error {
	return b.client.RPush(ctx, key, payload).Err()
}

func (b *RedisBackend) Claim(ctx context.Context, src, dst string) ([]byte, error) {
	return b.move(ctx, src, dst, "LEFT", "RIGHT")
}

func (b *RedisBackend) Restore(ctx context.Context, src, dst string) ([]byte, error) {
	return b.move(ctx, src, dst, "RIGHT", "LEFT")
}

func (b *RedisBackend) move(ctx context.Context, src, dst, from, to string) ([]byte, error) {
	res, err := b.client.LMove(ctx, src, dst, from, to).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errEmpty
	}
	return res, err
}

func (b *RedisBackend) Ack(ctx context.Context, key string, payload []byte) error {
	return b.client.LRem(ctx, key, 1, payload).Err()
}

func (b *RedisBackend) Len(ctx context.Context, key string) (int64, error) {
	return b.client.LLen(ctx, key).Result()
}

func (b *RedisBackend) Range(ctx context.Context, key string) ([][]byte, error) {
	items, err := b.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		out = append(out, []byte(item))
	}
	return out, nil
}

// MemoryBackend keeps lists in process. Dev mode uses it when Redis is not
// configured.
type MemoryBackend struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{lists: make(map[string][][]byte)}
}

func (b *MemoryBackend) Push(_ context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[key] = append(b.lists[key], append([]byte(nil), payload...))
	return nil
}

func (b *MemoryBackend) Claim(_ context.Context, src, dst string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.lists[src]
	if len(list) == 0 {
		return nil, errEmpty
	}
	head := list[0]
	b.lists[src] = list[1:]
	b.lists[dst] = append(b.lists[dst], head)
	return head, nil
}

func (b *MemoryBackend) Restore(_ context.Context, src, dst string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.lists[src]
	if len(list) == 0 {
		return nil, errEmpty
	}
	tail := list[len(list)-1]
	b.lists[src] = list[:len(list)-1]
	b.lists[dst] = append([][]byte{tail}, b.lists[dst]...)
	return tail, nil
}

func (b *MemoryBackend) Ack(_ context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.lists[key]
	for i, item := range list {
		if bytes.Equal(item, payload) {
			b.lists[key] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (b *MemoryBackend) Len(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.lists[key])), nil
}

func (b *MemoryBackend) Range(_ context.Context, key string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.lists[key]))
	copy(out, b.lists[key])
	return out, nil
}
