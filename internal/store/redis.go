package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gistacsl/mosaic-signaling/internal/robot"
)

const redisStatusKeyPrefix = "mosaic:robot:status:"

// RedisStatus keeps robot status in one hash per robot so several signaling
// instances share the same view:
//
//	HSET mosaic:robot:status:<robotId> status <int> updatedAt <unix millis>
type RedisStatus struct {
	client redis.UniversalClient
	now    func() time.Time
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStatus dials lazily; use Ping to check connectivity at startup.
func NewRedisStatus(opts RedisOptions) *RedisStatus {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStatusFromClient(client)
}

func NewRedisStatusFromClient(client redis.UniversalClient) *RedisStatus {
	return &RedisStatus{client: client, now: time.Now}
}

func (r *RedisStatus) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStatus) Close() error {
	return r.client.Close()
}

// UpdateRobotStatus implements StatusStore.
func (r *RedisStatus) UpdateRobotStatus(ctx context.Context, robotID string, status robot.Status) error {
	key := redisStatusKeyPrefix + NormalizeRobotID(robotID)
	err := r.client.HSet(ctx, key,
		"status", int(status),
		"updatedAt", r.now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// RobotStatus returns the last stored status. A robot that never reported
// one yields ErrRobotNotFound.
func (r *RedisStatus) RobotStatus(ctx context.Context, robotID string) (robot.Status, time.Time, error) {
	key := redisStatusKeyPrefix + NormalizeRobotID(robotID)
	vals, err := r.client.HMGet(ctx, key, "status", "updatedAt").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, time.Time{}, fmt.Errorf("redis hmget %s: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return 0, time.Time{}, ErrRobotNotFound
	}

	status, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis status for %s: %w", robotID, err)
	}
	var updated time.Time
	if vals[1] != nil {
		if ms, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64); err == nil {
			updated = time.UnixMilli(ms)
		}
	}
	return robot.Status(status), updated, nil
}
