package repository

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

type HeartbeatRepository interface {
	// StoreHeartbeat records a heartbeat that expires after ttl; a worker is active exactly as
	// long as its latest heartbeat has not expired.
	StoreHeartbeat(ctx context.Context, heartbeat *model.WorkerHeartbeat, ttl time.Duration) error
	GetHeartbeat(ctx context.Context, workerId string) (*model.WorkerHeartbeat, error)
	GetActiveWorkerIds(ctx context.Context) ([]string, error)
}

type RedisHeartbeatRepository struct {
	db redis.UniversalClient
}

func NewRedisHeartbeatRepository(db redis.UniversalClient) *RedisHeartbeatRepository {
	return &RedisHeartbeatRepository{db: db}
}

func (r *RedisHeartbeatRepository) StoreHeartbeat(ctx context.Context, heartbeat *model.WorkerHeartbeat, ttl time.Duration) error {
	data, err := encode(heartbeat)
	if err != nil {
		return err
	}
	if err := r.db.Set(ctx, heartbeatPrefix+heartbeat.WorkerId, data, ttl).Err(); err != nil {
		return transient("storing heartbeat", err)
	}
	return nil
}

func (r *RedisHeartbeatRepository) GetHeartbeat(ctx context.Context, workerId string) (*model.WorkerHeartbeat, error) {
	data, err := r.db.Get(ctx, heartbeatPrefix+workerId).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, lgerrors.ErrNotFound("worker heartbeat", workerId)
	} else if err != nil {
		return nil, transient("reading heartbeat", err)
	}
	return decode[model.WorkerHeartbeat](data, "worker heartbeat")
}

func (r *RedisHeartbeatRepository) GetActiveWorkerIds(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.db.Scan(ctx, 0, heartbeatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), heartbeatPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, transient("scanning heartbeats", err)
	}
	sort.Strings(ids)
	return ids, nil
}
