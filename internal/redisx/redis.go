// Package redisx хранит ключи идемпотентности и лидерские блокировки фоновых задач в Redis.
package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// idem:reservation:create:{customer_id}:{idempotency_key} -> reservation_id
	keyIdemReservationCreate = "idem:reservation:create:%d:%s"
	// leader:{job} -> holder
	keyLeader = "leader:%s"
)

// TTLIdempotency задаёт время жизни ключа идемпотентности создания.
var TTLIdempotency = 24 * time.Hour

// New создаёт клиента Redis и проверяет соединение.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Store реализует идемпотентность создания и лидерство поверх Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore создаёт хранилище поверх клиента Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// IdempotencyKey формирует ключ Redis для запроса клиента.
func IdempotencyKey(customerID int64, key string) string {
	return fmt.Sprintf(keyIdemReservationCreate, customerID, key)
}

// LeaderKey формирует ключ Redis для лидерства задачи.
func LeaderKey(job string) string {
	return fmt.Sprintf(keyLeader, job)
}

// releaseScript удаляет ключ, только если он всё ещё принадлежит вызывающему.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ClaimReservation закрепляет ключ за reservationID до записи бронирования.
// Если ключ уже занят, возвращает идентификатор владельца и false.
// Пустой владелец означает, что ключ освободился между командами.
func (s *Store) ClaimReservation(ctx context.Context, customerID int64, key, reservationID string) (string, bool, error) {
	k := IdempotencyKey(customerID, key)

	ok, err := s.rdb.SetNX(ctx, k, reservationID, TTLIdempotency).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return reservationID, true, nil
	}

	owner, err := s.rdb.Get(ctx, k).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get idempotency key: %w", err)
	}
	return owner, false, nil
}

// ReleaseReservation освобождает ключ, если создание бронирования не удалось.
func (s *Store) ReleaseReservation(ctx context.Context, customerID int64, key, reservationID string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{IdempotencyKey(customerID, key)}, reservationID).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// AcquireLeadership пытается занять лидерство задачи на ttl. Возвращает false, если лидер уже есть.
func (s *Store) AcquireLeadership(ctx context.Context, job, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, LeaderKey(job), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire leadership: %w", err)
	}
	return ok, nil
}
