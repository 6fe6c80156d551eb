package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	AlertSeverityInfo     = "info"
	AlertSeverityWarning  = "warning"
	AlertSeverityCritical = "critical"
)

const (
	AlertStatusOpen         = "open"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResolved     = "resolved"
)

const DefaultSuppressionWindow = 24 * time.Hour

type EmitOutcome string

const (
	EmitCreated    EmitOutcome = "created"
	EmitSuppressed EmitOutcome = "suppressed"
)

type AlertEvent struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	EventType      string          `gorm:"size:64;not null;index" json:"event_type"`
	Severity       string          `gorm:"size:16;not null" json:"severity"`
	DedupeKey      string          `gorm:"size:255;not null;index:idx_alert_dedupe,priority:1" json:"dedupe_key"`
	Status         string          `gorm:"size:20;not null;index" json:"status"`
	ProjectId      string          `gorm:"size:64;index" json:"project_id"`
	EntityType     string          `gorm:"size:32" json:"entity_type"`
	EntityId       string          `gorm:"size:64" json:"entity_id"`
	Title          string          `gorm:"size:255" json:"title"`
	Message        string          `gorm:"type:text" json:"message"`
	Metric         decimal.Decimal `gorm:"type:decimal(20,4)" json:"metric"`
	Threshold      decimal.Decimal `gorm:"type:decimal(20,4)" json:"threshold"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index:idx_alert_dedupe,priority:2" json:"created_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at"`
	AcknowledgedBy string          `gorm:"size:128" json:"acknowledged_by"`
	ResolvedAt     *time.Time      `json:"resolved_at"`
	ResolvedBy     string          `gorm:"size:128" json:"resolved_by"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// AlertFinding is one rule hit, before dedup.
type AlertFinding struct {
	EventType  string          `json:"event_type"`
	Severity   string          `json:"severity"`
	DedupeKey  string          `json:"dedupe_key"`
	ProjectId  string          `json:"project_id"`
	EntityType string          `json:"entity_type"`
	EntityId   string          `json:"entity_id"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Metric     decimal.Decimal `json:"metric"`
	Threshold  decimal.Decimal `json:"threshold"`
}

type EmitOptions struct {
	Window time.Duration
	Now    func() time.Time
	// Locker serializes emission per dedupe key across processes when set.
	Locker  *redislock.Client
	LockTTL time.Duration
}

type AlertFilter struct {
	Status    string `form:"status" binding:"omitempty,oneof=open acknowledged resolved"`
	Severity  string `form:"severity" binding:"omitempty,oneof=info warning critical"`
	EventType string `form:"event_type"`
	ProjectId string `form:"project_id"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset    int    `form:"offset" binding:"omitempty,min=0"`
}

func (o EmitOptions) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o EmitOptions) window() time.Duration {
	if o.Window <= 0 {
		return DefaultSuppressionWindow
	}
	return o.Window
}

// EmitAlert inserts an open event unless an event with the same dedupe key was created
// within the trailing window, whatever its status. At most one event per key per window.
func EmitAlert(ctx context.Context, db *gorm.DB, f AlertFinding, opts EmitOptions) (EmitOutcome, *AlertEvent, error) {
	if f.DedupeKey == "" {
		return "", nil, errors.New("dedupe key is required")
	}

	if opts.Locker != nil {
		ttl := opts.LockTTL
		if ttl <= 0 {
			ttl = 10 * time.Second
		}
		lock, err := opts.Locker.Obtain(ctx, "alert-dedupe:"+f.DedupeKey, ttl, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 30),
		})
		if err != nil {
			return "", nil, fmt.Errorf("obtain dedupe lock %q: %w", f.DedupeKey, err)
		}
		defer func() { _ = lock.Release(context.Background()) }()
	}

	now := opts.now()
	since := now.Add(-opts.window())

	var (
		outcome EmitOutcome
		event   AlertEvent
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("dedupe_key = ? AND created_at > ?", f.DedupeKey, since)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var existing []AlertEvent
		if err := q.Order("created_at DESC").Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			outcome = EmitSuppressed
			event = existing[0]
			return nil
		}

		event = AlertEvent{
			ID:         uuid.NewString(),
			EventType:  f.EventType,
			Severity:   f.Severity,
			DedupeKey:  f.DedupeKey,
			Status:     AlertStatusOpen,
			ProjectId:  f.ProjectId,
			EntityType: f.EntityType,
			EntityId:   f.EntityId,
			Title:      f.Title,
			Message:    f.Message,
			Metric:     f.Metric,
			Threshold:  f.Threshold,
			CreatedAt:  now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		outcome = EmitCreated
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return outcome, &event, nil
}

// AcknowledgeAlert moves open -> acknowledged.
func AcknowledgeAlert(ctx context.Context, db *gorm.DB, id string, actor string, now time.Time) (*AlertEvent, error) {
	now = now.UTC()
	res := db.WithContext(ctx).Model(&AlertEvent{}).
		Where("id = ? AND status = ?", id, AlertStatusOpen).
		Updates(map[string]interface{}{
			"status":          AlertStatusAcknowledged,
			"acknowledged_at": now,
			"acknowledged_by": actor,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	return alertAfterTransition(ctx, db, id, res.RowsAffected)
}

// ResolveAlert moves open or acknowledged -> resolved. Leaving open also stamps acknowledged_at.
func ResolveAlert(ctx context.Context, db *gorm.DB, id string, actor string, now time.Time) (*AlertEvent, error) {
	now = now.UTC()
	res := db.WithContext(ctx).Model(&AlertEvent{}).
		Where("id = ? AND status IN ?", id, []string{AlertStatusOpen, AlertStatusAcknowledged}).
		Updates(map[string]interface{}{
			"status":          AlertStatusResolved,
			"resolved_at":     now,
			"resolved_by":     actor,
			"acknowledged_at": gorm.Expr("COALESCE(acknowledged_at, ?)", now),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	return alertAfterTransition(ctx, db, id, res.RowsAffected)
}

func alertAfterTransition(ctx context.Context, db *gorm.DB, id string, affected int64) (*AlertEvent, error) {
	var event AlertEvent
	if err := db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if affected == 0 {
		return &event, fmt.Errorf("%w: alert is %s", ErrInvalidTransition, event.Status)
	}
	return &event, nil
}

func ListAlerts(ctx context.Context, db *gorm.DB, f AlertFilter) ([]*AlertEvent, error) {
	q := db.WithContext(ctx).Model(&AlertEvent{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.ProjectId != "" {
		q = q.Where("project_id = ?", f.ProjectId)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var results []*AlertEvent
	err := q.Order("created_at DESC").Order("id").Limit(limit).Offset(f.Offset).Find(&results).Error
	return results, err
}
