// Package restore streams a .claudelens archive back into the store.
//
// Every restore runs a validation pass (magic, header, full decompression,
// checksum) before anything is applied. The apply pass keeps a rollback
// journal; any failure, including cancellation, reverts the store to its
// pre-restore state.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/archive"
	"github.com/claudelens/claudelens/internal/progress"
	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

const progressEvery = 100

// Request describes one restore to run.
type Request struct {
	BackupID  string                  `json:"backup_id"`
	Mode      types.RestoreMode       `json:"mode"`
	Policy    types.ConflictPolicy    `json:"conflict_policy"`
	Selective *types.SelectiveRestore `json:"selective,omitempty"`
}

// Engine applies archives.
type Engine struct {
	store       storage.Store
	broadcaster *progress.Broadcaster
	log         *zap.Logger

	// beforeApply, when set, runs before each document is applied. Test
	// hook for failure injection.
	beforeApply func(section string, index int) error
}

func NewEngine(store storage.Store, b *progress.Broadcaster, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, broadcaster: b, log: log}
}

// Run executes one restore synchronously and returns the finished job row.
func (e *Engine) Run(ctx context.Context, principal types.Principal, req *Request) (*types.RestoreJob, error) {
	job, meta, err := e.create(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	return job, e.execute(ctx, principal, meta, req, job)
}

// Launch records the pending job and runs the restore in a background
// goroutine. Callers poll the job row or subscribe to progress events
// keyed by the returned job id.
func (e *Engine) Launch(ctx context.Context, principal types.Principal, req *Request) (*types.RestoreJob, error) {
	job, meta, err := e.create(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	go func() { _ = e.execute(context.WithoutCancel(ctx), principal, meta, req, job) }()
	return job, nil
}

func (e *Engine) create(ctx context.Context, principal types.Principal, req *Request) (*types.RestoreJob, *types.BackupMetadata, error) {
	if principal.IsAnonymous() {
		return nil, nil, apperr.New(apperr.Unauthorized, "restore_unauthorized", "restore requires an authenticated principal")
	}
	meta, err := e.authorizedBackup(ctx, principal, req.BackupID)
	if err != nil {
		return nil, nil, err
	}
	if req.Mode == "" {
		req.Mode = types.RestoreFull
	}
	if req.Policy == "" {
		if req.Mode == types.RestoreMerge {
			req.Policy = types.ConflictMerge
		} else {
			req.Policy = types.ConflictSkip
		}
	}

	job := &types.RestoreJob{
		ID: uuid.NewString(), BackupID: meta.ID, Mode: req.Mode, Policy: req.Policy,
		State: types.JobPending, CreatedBy: principal.UserID,
	}
	if err := e.store.CreateRestoreJob(ctx, job); err != nil {
		return nil, nil, err
	}
	return job, meta, nil
}

func (e *Engine) execute(ctx context.Context, principal types.Principal, meta *types.BackupMetadata,
	req *Request, job *types.RestoreJob) error {

	if err := e.Validate(ctx, meta); err != nil {
		e.finish(ctx, job, types.JobFailed, err)
		return err
	}

	job.State = types.JobRunning
	job.RollbackID = uuid.NewString()
	if err := e.store.UpdateRestoreJob(ctx, job); err != nil {
		return err
	}

	j := newJournal()
	applyErr := e.apply(ctx, principal, meta, req, job, j)
	if applyErr != nil {
		if rbErr := j.rollback(context.WithoutCancel(ctx), e.store, e.log); rbErr != nil {
			job.Errors = append(job.Errors, fmt.Sprintf("rollback incomplete: %v", rbErr))
		}
		state := types.JobFailed
		// A cancel that lands mid-document surfaces as context.Canceled from
		// the interrupted store call, not as a Cancelled apperr.
		if apperr.Is(applyErr, apperr.Cancelled) ||
			errors.Is(applyErr, context.Canceled) || ctx.Err() != nil {
			state = types.JobCancelled
		}
		e.finish(ctx, job, state, applyErr)
		return applyErr
	}

	job.RollbackID = ""
	e.finish(ctx, job, types.JobCompleted, nil)
	return nil
}

func (e *Engine) authorizedBackup(ctx context.Context, principal types.Principal, id string) (*types.BackupMetadata, error) {
	meta, err := e.store.GetBackup(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, "backup_not_found", "backup does not exist", err)
		}
		return nil, err
	}
	if !principal.IsAdmin() && meta.CreatedBy != principal.UserID {
		return nil, apperr.New(apperr.Forbidden, "backup_forbidden", "backup belongs to another principal")
	}
	if meta.Status != types.BackupCompleted {
		return nil, apperr.New(apperr.Validation, "backup_not_restorable",
			fmt.Sprintf("backup is %s, not completed", meta.Status))
	}
	return meta, nil
}

// Validate streams the whole archive through decompression and checks the
// footer checksum against both the stream and the stored metadata.
func (e *Engine) Validate(ctx context.Context, meta *types.BackupMetadata) error {
	f, err := os.Open(meta.FilePath)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, "backup_file_missing", "backup file is missing", err)
	}
	defer func() { _ = f.Close() }()

	r, err := archive.NewReader(f)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	for {
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(apperr.Cancelled, "restore_cancelled", "validation cancelled", err)
		}
		_, err := r.NextSection()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := r.Verify(); err != nil {
		return err
	}
	if meta.Checksum != "" && r.Footer().Checksum != meta.Checksum {
		return apperr.New(apperr.Corruption, "archive_metadata_mismatch",
			"archive checksum does not match backup metadata")
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, job *types.RestoreJob, state types.JobState, cause error) {
	job.State = state
	if cause != nil {
		job.Errors = append(job.Errors, cause.Error())
	}
	now := time.Now().UTC()
	job.FinishedAt = &now
	if err := e.store.UpdateRestoreJob(context.WithoutCancel(ctx), job); err != nil {
		e.log.Warn("restore job update failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if e.broadcaster != nil {
		msg := fmt.Sprintf("restore %s", state)
		e.broadcaster.Publish(types.NewTerminal("restore_"+string(state), job.ID,
			job.Stats.Inserted+job.Stats.Replaced+job.Stats.Merged, 0, msg, state == types.JobCompleted))
	}
	e.log.Info("restore finished",
		zap.String("job_id", job.ID),
		zap.String("state", string(state)),
		zap.Int64("inserted", job.Stats.Inserted),
		zap.Int64("replaced", job.Stats.Replaced),
		zap.Int64("skipped", job.Stats.Skipped))
}
