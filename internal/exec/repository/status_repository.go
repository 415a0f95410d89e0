// Package repository persists execution state to the shared infrastructure:
// status snapshots in redis, terminal records to kafka and mysql, oversized
// output and artifacts to object storage.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"runlab/internal/common/cache"
	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
)

const statusKeyPrefix = "exec:status:"

// StatusRepository keeps the latest execution record in redis so status reads
// survive engine restarts and work across instances.
type StatusRepository struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStatusRepository creates the repository. ttl bounds record retention;
// zero means keep until eviction.
func NewStatusRepository(c cache.Cache, ttl time.Duration) *StatusRepository {
	return &StatusRepository{cache: c, ttl: ttl}
}

// Save stores the execution snapshot, overwriting any previous one.
func (r *StatusRepository) Save(ctx context.Context, exec model.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return appErr.Wrap(err, appErr.InternalServerError).WithMessage("encode execution record")
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+exec.ID, string(data), r.ttl); err != nil {
		return appErr.Wrap(err, appErr.CacheError).
			WithMessagef("save status for execution %s", exec.ID)
	}
	return nil
}

// Get loads an execution snapshot. A missing record is ExecutionNotFound.
func (r *StatusRepository) Get(ctx context.Context, executionID string) (model.Execution, error) {
	val, err := r.cache.Get(ctx, statusKeyPrefix+executionID)
	if err != nil {
		return model.Execution{}, appErr.Wrap(err, appErr.CacheError).
			WithMessagef("load status for execution %s", executionID)
	}
	if val == "" {
		return model.Execution{}, appErr.New(appErr.ExecutionNotFound).
			WithMessagef("execution %s not found", executionID)
	}
	var exec model.Execution
	if err := json.Unmarshal([]byte(val), &exec); err != nil {
		return model.Execution{}, appErr.Wrap(err, appErr.CacheError).
			WithMessagef("decode status for execution %s", executionID)
	}
	return exec, nil
}

// Delete removes an execution snapshot. Missing records are fine.
func (r *StatusRepository) Delete(ctx context.Context, executionID string) error {
	if err := r.cache.Del(ctx, statusKeyPrefix+executionID); err != nil {
		return appErr.Wrap(err, appErr.CacheError).
			WithMessagef("delete status for execution %s", executionID)
	}
	return nil
}
