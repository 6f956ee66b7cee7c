package otp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
)

const (
	keyPrefix = "otp"

	// expiryGrace keeps an expired record readable for a while so verification
	// can answer "expired" instead of "not found".
	expiryGrace = 5 * time.Minute

	maxWatchRetries = 4
)

type Store interface {
	Save(ctx context.Context, c *Challenge, ttl time.Duration) error
	Consume(ctx context.Context, identity string, purpose Purpose, codeHash string, now time.Time, maxAttempts int) error
	Delete(ctx context.Context, identity string, purpose Purpose) error
}

type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(identity string, purpose Purpose) string {
	return keyPrefix + ":" + string(purpose) + ":" + identity
}

// Save overwrites any pending challenge for the same identity and purpose.
func (s *RedisStore) Save(ctx context.Context, c *Challenge, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode otp challenge: %w", err)
	}
	if err := s.client.Set(ctx, s.key(c.Identity, c.Purpose), data, ttl+expiryGrace).Err(); err != nil {
		return fmt.Errorf("%w: save otp challenge: %v", autherr.ErrPersistence, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, identity string, purpose Purpose) error {
	if err := s.client.Del(ctx, s.key(identity, purpose)).Err(); err != nil {
		return fmt.Errorf("%w: delete otp challenge: %v", autherr.ErrPersistence, err)
	}
	return nil
}

// Consume checks codeHash against the pending challenge inside a WATCH transaction.
// A match deletes the challenge. A mismatch counts an attempt and keeps the
// challenge pending until maxAttempts is reached.
func (s *RedisStore) Consume(ctx context.Context, identity string, purpose Purpose, codeHash string, now time.Time, maxAttempts int) error {
	key := s.key(identity, purpose)

	del := func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var c Challenge
			if err := json.Unmarshal(data, &c); err != nil {
				if err := del(tx); err != nil {
					return err
				}
				return autherr.ErrOTPNotFound
			}

			if c.Expired(now) {
				if err := del(tx); err != nil {
					return err
				}
				return autherr.ErrOTPExpired
			}

			if subtle.ConstantTimeCompare([]byte(c.CodeHash), []byte(codeHash)) != 1 {
				c.Attempts++
				if maxAttempts > 0 && c.Attempts >= maxAttempts {
					if err := del(tx); err != nil {
						return err
					}
					return fmt.Errorf("%w: attempts exhausted", autherr.ErrOTPMismatch)
				}
				updated, err := json.Marshal(&c)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, redis.KeepTTL)
					return nil
				})
				if err != nil {
					return err
				}
				return autherr.ErrOTPMismatch
			}

			return del(tx)
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.Nil):
			return autherr.ErrOTPNotFound
		case errors.Is(err, autherr.ErrOTPNotFound),
			errors.Is(err, autherr.ErrOTPExpired),
			errors.Is(err, autherr.ErrOTPMismatch):
			return err
		default:
			return fmt.Errorf("%w: consume otp challenge: %v", autherr.ErrPersistence, err)
		}
	}

	return autherr.ErrOTPConflict
}
