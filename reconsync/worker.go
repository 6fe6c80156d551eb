package reconsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/utils"
)

// lastRunCacheKey holds the newest finished run summary for the status endpoint.
const lastRunCacheKey = "recon:last-run"

const lastRunCacheTTL = 7 * 24 * time.Hour

var ErrRunFinished = errors.New("sync run already finished")

// NewSyncRun inserts a queued run for req.
func (o *Orchestrator) NewSyncRun(ctx context.Context, req RunRequest, parentRunId *uint) (*models.SyncRun, error) {
	if req.SyncType == "" {
		req.SyncType = SyncTypeFull
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = models.SyncTriggeredManual
	}
	if req.Actor == "" {
		req.Actor = utils.GetActorFromContext(ctx)
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	run := &models.SyncRun{
		SyncType:      req.SyncType,
		Status:        models.SyncRunStatusQueued,
		TriggeredBy:   req.TriggeredBy,
		Actor:         req.Actor,
		CorrelationId: cid,
		Source:        o.Settings.SourceKind,
		RangeFrom:     req.From,
		RangeTo:       req.To,
		ParentRunId:   parentRunId,
	}
	if err := models.CreateSyncRun(ctx, o.DB, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Execute runs a queued run and persists its outcome: final status, per-stage results, logs
// and one sync_errors row per recorded error. Finished runs are not executed again.
func (o *Orchestrator) Execute(ctx context.Context, run *models.SyncRun, progress func(ProgressEvent)) (*RunResult, error) {
	switch run.Status {
	case models.SyncRunStatusSuccess, models.SyncRunStatusPartial, models.SyncRunStatusFailed:
		return nil, ErrRunFinished
	}
	ctx = utils.SetRunIdInContext(ctx, run.ID)
	if run.Actor != "" {
		ctx = utils.SetActorInContext(ctx, run.Actor)
	}

	startedAt := o.now()
	if err := models.MarkSyncRunRunning(ctx, o.DB, run.ID, startedAt); err != nil {
		return nil, err
	}
	runId := run.ID
	result := o.Run(ctx, RunRequest{
		SyncType:    run.SyncType,
		From:        run.RangeFrom,
		To:          run.RangeTo,
		TriggeredBy: run.TriggeredBy,
		Actor:       run.Actor,
		RunId:       &runId,
	}, progress)

	// Persist with a fresh context: a run that hit its timeout must still record why.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	stagesJSON, _ := json.Marshal(result.Stages)
	logsJSON, _ := json.Marshal(result.Logs)
	if err := models.RecordSyncErrors(saveCtx, o.DB, syncErrorRows(run.ID, result)); err != nil {
		config.LogError(o.logger(), "reconsync", "Execute", "record sync errors", run.ID, err)
	}
	if err := models.FinishSyncRun(saveCtx, o.DB, run.ID, result.Status, stagesJSON, logsJSON,
		result.RecordsSynced, result.ErrorCount, startedAt, result.FinishedAt); err != nil {
		return result, err
	}

	finished, err := models.GetSyncRun(saveCtx, o.DB, run.ID)
	if err == nil {
		resp := mapRunToResponse(*finished)
		if err := config.SetRedisObject(saveCtx, lastRunCacheKey, resp, lastRunCacheTTL); err != nil {
			config.LogError(o.logger(), "reconsync", "Execute", "cache last run", run.ID, err)
		}
	}
	return result, nil
}

// ExecuteByID loads and executes a queued run.
func (o *Orchestrator) ExecuteByID(ctx context.Context, id uint, progress func(ProgressEvent)) (*RunResult, error) {
	run, err := models.GetSyncRun(ctx, o.DB, id)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, run, progress)
}

func syncErrorRows(runId uint, result *RunResult) []models.SyncError {
	var rows []models.SyncError
	if result.Error != "" {
		rows = append(rows, models.SyncError{
			SyncRunId:  runId,
			Stage:      "run",
			EntityType: "run",
			ErrorCode:  string(utils.ErrorKindConfiguration),
			Message:    result.Error,
		})
	}
	for _, sr := range result.Stages {
		for _, e := range sr.Errors {
			rows = append(rows, models.SyncError{
				SyncRunId:  runId,
				Stage:      sr.Stage,
				EntityType: e.Entity,
				ExternalId: e.Ref,
				ErrorCode:  e.Code,
				Message:    e.Message,
				Retryable:  e.Retryable,
			})
		}
	}
	return rows
}
