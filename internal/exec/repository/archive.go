package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
)

// ArchiveRepository persists terminal execution records in mysql for the
// retention window. Only terminal records land here; live status stays in
// redis.
type ArchiveRepository struct {
	db *sql.DB
}

// NewArchiveRepository creates the repository over an open connection pool.
func NewArchiveRepository(db *sql.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

const insertExecutionSQL = `
INSERT INTO executions
	(execution_id, session_id, image, status, reason, exit_code,
	 queued_at, started_at, finished_at,
	 wall_time_ms, cpu_time_ms, peak_memory_kb, output_kb,
	 output_truncated, artifacts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE status = VALUES(status)`

// SaveTerminal archives one terminal record. Re-archiving the same execution
// is a no-op thanks to the unique key on execution_id.
func (r *ArchiveRepository) SaveTerminal(ctx context.Context, exec model.Execution) error {
	if !exec.Status.IsTerminal() {
		return appErr.New(appErr.InternalServerError).
			WithMessagef("refusing to archive non-terminal execution %s", exec.ID)
	}

	artifacts, err := json.Marshal(exec.Artifacts)
	if err != nil {
		return appErr.Wrap(err, appErr.InternalServerError).WithMessage("encode artifacts")
	}

	_, err = r.db.ExecContext(ctx, insertExecutionSQL,
		exec.ID, exec.SessionID, exec.Image, string(exec.Status), string(exec.Reason), exec.ExitCode,
		exec.Timestamps.QueuedAt, exec.Timestamps.StartedAt, exec.Timestamps.FinishedAt,
		exec.Usage.WallTimeMs, exec.Usage.CPUTimeMs, exec.Usage.PeakMemoryKB, exec.Usage.OutputKB,
		exec.OutputTruncated, string(artifacts),
	)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError).
			WithMessagef("archive execution %s", exec.ID)
	}
	return nil
}

// GetTerminal loads one archived record.
func (r *ArchiveRepository) GetTerminal(ctx context.Context, executionID string) (model.Execution, error) {
	const query = `
SELECT execution_id, session_id, image, status, reason, exit_code,
       queued_at, started_at, finished_at,
       wall_time_ms, cpu_time_ms, peak_memory_kb, output_kb,
       output_truncated, artifacts
FROM executions WHERE execution_id = ?`

	var exec model.Execution
	var status, reason, artifacts string
	err := r.db.QueryRowContext(ctx, query, executionID).Scan(
		&exec.ID, &exec.SessionID, &exec.Image, &status, &reason, &exec.ExitCode,
		&exec.Timestamps.QueuedAt, &exec.Timestamps.StartedAt, &exec.Timestamps.FinishedAt,
		&exec.Usage.WallTimeMs, &exec.Usage.CPUTimeMs, &exec.Usage.PeakMemoryKB, &exec.Usage.OutputKB,
		&exec.OutputTruncated, &artifacts,
	)
	if err == sql.ErrNoRows {
		return model.Execution{}, appErr.New(appErr.ExecutionNotFound).
			WithMessagef("execution %s not archived", executionID)
	}
	if err != nil {
		return model.Execution{}, appErr.Wrap(err, appErr.DatabaseError).
			WithMessagef("load archived execution %s", executionID)
	}
	exec.Status = model.ExecStatus(status)
	exec.Reason = model.FailureReason(reason)
	if artifacts != "" && artifacts != "null" {
		if err := json.Unmarshal([]byte(artifacts), &exec.Artifacts); err != nil {
			return model.Execution{}, appErr.Wrap(err, appErr.DatabaseError).
				WithMessagef("decode artifacts for execution %s", executionID)
		}
	}
	return exec, nil
}

// PurgeBefore removes archived records finished before the cutoff, returning
// how many rows went away.
func (r *ArchiveRepository) PurgeBefore(ctx context.Context, cutoffUnixMilli int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM executions WHERE finished_at > 0 AND finished_at < ?`, cutoffUnixMilli)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.DatabaseError).WithMessage("purge archived executions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, appErr.Wrap(err, appErr.DatabaseError).WithMessage("purge archived executions")
	}
	return n, nil
}
