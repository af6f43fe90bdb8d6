package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
)

const (
	scenarioPrefix      = "scenario:"
	scenarioIndexKey    = "scenarios"
	approvalPrefix      = "approvals:"
	versionPrefix       = "versions:"
	taskQueueKey        = "queue:tasks"
	controlQueueKey     = "queue:control"
	resultQueueKey      = "queue:results"
	heartbeatPrefix     = "heartbeat:"
	metricPrefix        = "metrics:"
	executionPrefix     = "execution:"
	scheduledTestPrefix = "scheduledtest:"
	scheduledTestIndex  = "scheduledtests"

	// How many times an optimistic (WATCH/MULTI) update is attempted before giving up.
	maxOptimisticAttempts = 16
)

func transient(operation string, err error) error {
	return lgerrors.ErrTransient(operation, err)
}

func decode[T any](data []byte, resourceType string) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrapf(err, "error unmarshalling %s", resourceType)
	}
	return &v, nil
}

func encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

// optimisticUpdate runs fn inside WATCH key, retrying when another client modified key between
// the read and the EXEC. fn must do all of its writes through tx.TxPipelined.
func optimisticUpdate(ctx context.Context, db redis.UniversalClient, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxOptimisticAttempts; attempt++ {
		err := db.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return transient(fmt.Sprintf("updating %s", key), errors.New("too much contention"))
}

// classify passes kinded errors raised inside an update through untouched and tags anything else
// as a transient store failure.
func classify(operation string, err error) error {
	if err == nil || lgerrors.KindOf(err) != lgerrors.Unknown {
		return err
	}
	return transient(operation, err)
}
