package deliverynote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ConfirmGuard holds pending confirmation warnings. Confirming a note with
// inconsistent shipping information suspends the transition until the caller
// acknowledges the warning with the issued token.
type ConfirmGuard interface {
	Issue(ctx context.Context, noteID int64, message string) (string, error)
	Acknowledge(ctx context.Context, noteID int64, token string) (bool, error)
}

// RedisConfirmGuard stores pending warnings in Redis with a TTL, so a
// warning that is never acknowledged expires on its own.
type RedisConfirmGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisConfirmGuard constructs a guard.
func NewRedisConfirmGuard(client *redis.Client, ttl time.Duration) *RedisConfirmGuard {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisConfirmGuard{client: client, ttl: ttl}
}

func guardKey(noteID int64) string {
	return fmt.Sprintf("dn:confirm-warning:%d", noteID)
}

// Issue stores a pending warning and returns its acknowledge token.
func (g *RedisConfirmGuard) Issue(ctx context.Context, noteID int64, message string) (string, error) {
	token := uuid.NewString()
	if err := g.client.Set(ctx, guardKey(noteID), token, g.ttl).Err(); err != nil {
		return "", fmt.Errorf("deliverynote: issue confirm warning: %w", err)
	}
	return token, nil
}

// Acknowledge consumes a pending warning. It reports true only when the
// token matches the one issued for the note; the token is single-use.
func (g *RedisConfirmGuard) Acknowledge(ctx context.Context, noteID int64, token string) (bool, error) {
	key := guardKey(noteID)
	stored, err := g.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("deliverynote: read confirm warning: %w", err)
	}
	if stored != token {
		return false, nil
	}
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return false, fmt.Errorf("deliverynote: consume confirm warning: %w", err)
	}
	return true, nil
}
