package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/hours_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	SuggestionStatusPending   = "pending"
	SuggestionStatusApplied   = "applied"
	SuggestionStatusDismissed = "dismissed"
)

var (
	// ErrAlreadyResolved is returned to the losing side of a concurrent apply/dismiss.
	ErrAlreadyResolved   = errors.New("suggestion already resolved")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTaskNotLinkable means the suggested task was retired or became a summary row.
	ErrTaskNotLinkable = errors.New("suggested task no longer accepts hours")
)

type MappingSuggestion struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	ProjectId   string     `gorm:"size:64;index;not null" json:"project_id"`
	HourEntryId string     `gorm:"size:64;not null;uniqueIndex:uniq_suggestion_pair,priority:1" json:"hour_entry_id"`
	TaskId      string     `gorm:"size:64;not null;uniqueIndex:uniq_suggestion_pair,priority:2" json:"task_id"`
	Confidence  float64    `gorm:"not null" json:"confidence"`
	Status      string     `gorm:"size:20;not null;index" json:"status"`
	Reasoning   string     `gorm:"type:text" json:"reasoning"`
	SyncRunId   *uint      `gorm:"index" json:"sync_run_id"`
	ResolvedBy  string     `gorm:"size:128" json:"resolved_by"`
	ResolvedAt  *time.Time `json:"resolved_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type SuggestionFilter struct {
	ProjectId string `form:"project_id"`
	Status    string `form:"status" binding:"omitempty,oneof=pending applied dismissed"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset    int    `form:"offset" binding:"omitempty,min=0"`
}

// NewSuggestion is a pending candidate produced by matching.
type NewSuggestion struct {
	ProjectId   string
	HourEntryId string
	TaskId      string
	Confidence  float64
	Reasoning   string
}

// CreatePendingSuggestions inserts candidates, skipping (entry, task) pairs that already
// have a suggestion in any status. It returns how many rows were inserted.
func CreatePendingSuggestions(ctx context.Context, db *gorm.DB, runId *uint, input []NewSuggestion) (int, error) {
	created := 0
	for _, in := range input {
		row := MappingSuggestion{
			ID:          uuid.NewString(),
			ProjectId:   in.ProjectId,
			HourEntryId: in.HourEntryId,
			TaskId:      in.TaskId,
			Confidence:  in.Confidence,
			Status:      SuggestionStatusPending,
			Reasoning:   in.Reasoning,
			SyncRunId:   runId,
		}
		tx := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if tx.Error != nil {
			return created, tx.Error
		}
		created += int(tx.RowsAffected)
	}
	return created, nil
}

// ApplySuggestion moves a pending suggestion to applied and links its hour entry,
// both in one transaction. The status change is conditional on the row still being pending,
// and the task must still be active and not a summary row.
func ApplySuggestion(ctx context.Context, db *gorm.DB, id string, actor string) (*MappingSuggestion, error) {
	return resolveSuggestion(ctx, db, id, actor, SuggestionStatusApplied)
}

// DismissSuggestion moves a pending suggestion to dismissed. The hour entry is untouched.
func DismissSuggestion(ctx context.Context, db *gorm.DB, id string, actor string) (*MappingSuggestion, error) {
	return resolveSuggestion(ctx, db, id, actor, SuggestionStatusDismissed)
}

func resolveSuggestion(ctx context.Context, db *gorm.DB, id string, actor string, target string) (*MappingSuggestion, error) {
	if actor == "" {
		actor = utils.GetActorFromContext(ctx)
	}
	now := time.Now().UTC()

	var out MappingSuggestion
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current MappingSuggestion
		if err := tx.Where("id = ?", id).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if target == SuggestionStatusApplied && current.Status == SuggestionStatusPending {
			if err := checkLinkableTask(tx, current.TaskId); err != nil {
				return err
			}
		}

		res := tx.Model(&MappingSuggestion{}).
			Where("id = ? AND status = ?", id, SuggestionStatusPending).
			Updates(map[string]interface{}{
				"status":      target,
				"resolved_by": actor,
				"resolved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyResolved
		}

		if target == SuggestionStatusApplied {
			link := tx.Model(&HourEntry{}).
				Where("id = ?", current.HourEntryId).
				Updates(map[string]interface{}{
					"task_id":          current.TaskId,
					"linked_at":        now,
					"linked_by":        actor,
					"match_confidence": current.Confidence,
					"match_reasoning":  current.Reasoning,
				})
			if link.Error != nil {
				return link.Error
			}
			if link.RowsAffected == 0 {
				return fmt.Errorf("hour entry %s: %w", current.HourEntryId, utils.ErrorRecordNotFound)
			}
		}

		current.Status = target
		current.ResolvedBy = actor
		current.ResolvedAt = &now
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func checkLinkableTask(tx *gorm.DB, taskId string) error {
	var task Task
	err := tx.Select("id", "is_active", "is_summary").Where("id = ?", taskId).First(&task).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("task %s: %w", taskId, ErrTaskNotLinkable)
	case err != nil:
		return err
	case !task.IsActive || task.IsSummary:
		return fmt.Errorf("task %s: %w", taskId, ErrTaskNotLinkable)
	}
	return nil
}

func ListSuggestions(ctx context.Context, db *gorm.DB, f SuggestionFilter) ([]*MappingSuggestion, error) {
	q := db.WithContext(ctx).Model(&MappingSuggestion{})
	if f.ProjectId != "" {
		q = q.Where("project_id = ?", f.ProjectId)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var results []*MappingSuggestion
	err := q.Order("confidence DESC").Order("created_at").Order("id").
		Limit(limit).Offset(f.Offset).
		Find(&results).Error
	return results, err
}

// ExistingSuggestionPairs returns "entry|task" keys for suggestions in the given projects.
func ExistingSuggestionPairs(ctx context.Context, db *gorm.DB, projectIds []string) (map[string]bool, error) {
	var rows []MappingSuggestion
	q := db.WithContext(ctx).Select("hour_entry_id", "task_id")
	if len(projectIds) > 0 {
		q = q.Where("project_id IN ?", projectIds)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[SuggestionPairKey(r.HourEntryId, r.TaskId)] = true
	}
	return out, nil
}

func SuggestionPairKey(hourEntryId string, taskId string) string {
	return hourEntryId + "|" + taskId
}
