package service

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Ledger — захват ссылки ордера до похода к брокеру, чтобы два процесса
// не выставили один и тот же брекет одновременно.
type Ledger interface {
	Claim(ctx context.Context, reference string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, reference string) error
}

// RedisLedger — SETNX с TTL, общий для всех экземпляров бота.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) key(reference string) string {
	return l.prefix + "claim:" + reference
}

func (l *RedisLedger) Claim(ctx context.Context, reference string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key(reference), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

func (l *RedisLedger) Release(ctx context.Context, reference string) error {
	return l.client.Del(ctx, l.key(reference)).Err()
}

// MemoryLedger — захваты в памяти одного процесса.
type MemoryLedger struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{claims: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLedger) Claim(ctx context.Context, reference string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.claims[reference]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	l.claims[reference] = exp
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, reference string) error {
	l.mu.Lock()
	delete(l.claims, reference)
	l.mu.Unlock()
	return nil
}
