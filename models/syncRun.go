package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/hours_backend/utils"
	"gorm.io/gorm"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredRetry     = "retry"
	SyncTriggeredScheduled = "scheduled"
)

type SyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	SyncType      string     `gorm:"size:32;not null;index" json:"sync_type"`
	Status        string     `gorm:"size:20;not null;index" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	Actor         string     `gorm:"size:128" json:"actor"`
	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	Source        string     `gorm:"size:255" json:"source"`
	RangeFrom     *time.Time `gorm:"type:date" json:"range_from"`
	RangeTo       *time.Time `gorm:"type:date" json:"range_to"`
	StagesJSON    []byte     `gorm:"type:json" json:"stages"`
	LogsJSON      []byte     `gorm:"type:json" json:"logs"`
	RecordsSynced int        `json:"records_synced"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncError is one row-level or stage-level failure recorded against a run.
type SyncError struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	SyncRunId  uint      `gorm:"index;not null" json:"sync_run_id"`
	Stage      string    `gorm:"size:32;index" json:"stage"`
	EntityType string    `gorm:"size:50" json:"entity_type"`
	ExternalId string    `gorm:"size:128" json:"external_id"`
	ErrorCode  string    `gorm:"size:64" json:"error_code"`
	Message    string    `gorm:"type:text" json:"message"`
	Retryable  bool      `gorm:"not null" json:"retryable"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type SyncRunFilter struct {
	Status   string `form:"status" binding:"omitempty,oneof=queued running success partial failed"`
	SyncType string `form:"sync_type"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=200"`
}

func CreateSyncRun(ctx context.Context, db *gorm.DB, run *SyncRun) error {
	if run.Status == "" {
		run.Status = SyncRunStatusQueued
	}
	return db.WithContext(ctx).Create(run).Error
}

func MarkSyncRunRunning(ctx context.Context, db *gorm.DB, id uint, startedAt time.Time) error {
	return db.WithContext(ctx).Model(&SyncRun{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": SyncRunStatusRunning, "started_at": startedAt}).Error
}

// FinishSyncRun stores the final status, per-stage results and logs.
func FinishSyncRun(ctx context.Context, db *gorm.DB, id uint, status string, stagesJSON []byte, logsJSON []byte, recordsSynced int, errorCount int, startedAt time.Time, finishedAt time.Time) error {
	return db.WithContext(ctx).Model(&SyncRun{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         status,
			"stages_json":    stagesJSON,
			"logs_json":      logsJSON,
			"records_synced": recordsSynced,
			"error_count":    errorCount,
			"finished_at":    finishedAt,
			"duration_ms":    finishedAt.Sub(startedAt).Milliseconds(),
		}).Error
}

func RecordSyncErrors(ctx context.Context, db *gorm.DB, rows []SyncError) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(&rows, MaxBatchSize).Error
}

func GetSyncRun(ctx context.Context, db *gorm.DB, id uint) (*SyncRun, error) {
	var run SyncRun
	if err := db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &run, nil
}

func ListSyncRuns(ctx context.Context, db *gorm.DB, f SyncRunFilter) ([]*SyncRun, error) {
	q := db.WithContext(ctx).Model(&SyncRun{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.SyncType != "" {
		q = q.Where("sync_type = ?", f.SyncType)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var runs []*SyncRun
	err := q.Order("id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

func ListSyncErrors(ctx context.Context, db *gorm.DB, runId uint, limit int) ([]*SyncError, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []*SyncError
	err := db.WithContext(ctx).Where("sync_run_id = ?", runId).Order("id").Limit(limit).Find(&rows).Error
	return rows, err
}

// LatestSyncRun returns the newest run, or nil when none exists.
func LatestSyncRun(ctx context.Context, db *gorm.DB) (*SyncRun, error) {
	var runs []SyncRun
	if err := db.WithContext(ctx).Order("id DESC").Limit(1).Find(&runs).Error; err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}
