package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/osvaldoandrade/tiledetect/pkg/domain"

	"github.com/go-redis/redis/v8"
)

var ErrNotFound = errors.New("not-found")

type RunRepository interface {
	Save(ctx context.Context, rec domain.RunRecord) error
	Get(ctx context.Context, requestID string) (*domain.RunRecord, error)
	Delete(ctx context.Context, requestID string) error
	CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error)
}

type runRedisRepo struct {
	rdb *redis.Client
	tz  *time.Location
	ttl time.Duration
	now func() time.Time
}

func NewRunRepository(rdb *redis.Client, tz *time.Location, ttl time.Duration) RunRepository {
	if tz == nil {
		tz = time.UTC
	}
	return &runRedisRepo{rdb: rdb, tz: tz, ttl: ttl, now: time.Now}
}

func (r *runRedisRepo) keyRunsHash() string { return "tiledetect:runs" }
func (r *runRedisRepo) keyTTLIndex() string { return "tiledetect:runs:ttl" }

func (r *runRedisRepo) Save(ctx context.Context, rec domain.RunRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().In(r.tz)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.keyRunsHash(), rec.RequestID, string(b))
		if r.ttl > 0 {
			expiry := r.now().Add(r.ttl).UTC().Unix()
			pipe.ZAdd(ctx, r.keyTTLIndex(), &redis.Z{Score: float64(expiry), Member: rec.RequestID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save run: %w", err)
	}
	return nil
}

func (r *runRedisRepo) Get(ctx context.Context, requestID string) (*domain.RunRecord, error) {
	js, err := r.rdb.HGet(ctx, r.keyRunsHash(), requestID).Result()
	if err == redis.Nil || (err == nil && js == "") {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET run: %w", err)
	}

	if r.ttl > 0 {
		score, err := r.rdb.ZScore(ctx, r.keyTTLIndex(), requestID).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("redis ZSCORE run ttl: %w", err)
		}
		if err == nil && int64(score) <= r.now().UTC().Unix() {
			return nil, ErrNotFound
		}
	}

	var rec domain.RunRecord
	if err := json.Unmarshal([]byte(js), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &rec, nil
}

func (r *runRedisRepo) Delete(ctx context.Context, requestID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.keyRunsHash(), requestID)
		pipe.ZRem(ctx, r.keyTTLIndex(), requestID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete run: %w", err)
	}
	return nil
}

func (r *runRedisRepo) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	ids, err := r.rdb.ZRangeByScore(ctx, r.keyTTLIndex(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UTC().Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZRANGEBYSCORE run ttl: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.keyRunsHash(), ids...)
		pipe.ZRem(ctx, r.keyTTLIndex(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis cleanup runs: %w", err)
	}
	return len(ids), nil
}
