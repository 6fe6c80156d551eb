package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RelationFinishToStart  = "FS"
	RelationStartToStart   = "SS"
	RelationFinishToFinish = "FF"
	RelationStartToFinish  = "SF"
)

// TaskRollupColumns are derived by the rollup stage; ingestion never overwrites them.
var TaskRollupColumns = []string{"actual_hours", "actual_cost"}

// Phase groups tasks inside a project (outline level 3 of a project plan).
type Phase struct {
	ID          string          `gorm:"primaryKey;size:64" json:"id"`
	ProjectId   string          `gorm:"size:64;index;not null" json:"project_id"`
	SourceRef   string          `gorm:"size:128" json:"source_ref"`
	Code        string          `gorm:"size:64" json:"code"`
	Name        string          `gorm:"size:255" json:"name"`
	UnitName    string          `gorm:"size:255" json:"unit_name"`
	SortOrder   int             `gorm:"not null" json:"sort_order"`
	StartDate   *time.Time      `gorm:"type:date" json:"start_date"`
	FinishDate  *time.Time      `gorm:"type:date" json:"finish_date"`
	BudgetHours decimal.Decimal `gorm:"type:decimal(20,4)" json:"budget_hours"`
	ActualHours decimal.Decimal `gorm:"type:decimal(20,4)" json:"actual_hours"`
	ActualCost  decimal.Decimal `gorm:"type:decimal(20,4)" json:"actual_cost"`
	SyntheticId bool            `gorm:"not null" json:"synthetic_id"`
	SyncedAt    time.Time       `json:"synced_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p Phase) StableID() string { return p.ID }

// Task is a work package. Only active, non-summary tasks accept hour entries.
type Task struct {
	ID               string          `gorm:"primaryKey;size:64" json:"id"`
	ProjectId        string          `gorm:"size:64;index;not null" json:"project_id"`
	PhaseId          *string         `gorm:"size:64;index" json:"phase_id"`
	ParentRef        string          `gorm:"size:128" json:"parent_ref"`
	SourceRef        string          `gorm:"size:128" json:"source_ref"`
	Code             string          `gorm:"size:64" json:"code"`
	Name             string          `gorm:"size:255" json:"name"`
	UnitName         string          `gorm:"size:255" json:"unit_name"`
	OutlineLevel     int             `gorm:"not null" json:"outline_level"`
	SortOrder        int             `gorm:"not null" json:"sort_order"`
	IsSummary        bool            `gorm:"not null" json:"is_summary"`
	IsActive         bool            `gorm:"not null" json:"is_active"`
	IsCritical       bool            `gorm:"not null" json:"is_critical"`
	StartDate        *time.Time      `gorm:"type:date" json:"start_date"`
	FinishDate       *time.Time      `gorm:"type:date" json:"finish_date"`
	BaselineHours    decimal.Decimal `gorm:"type:decimal(20,4)" json:"baseline_hours"`
	BaselineCost     decimal.Decimal `gorm:"type:decimal(20,4)" json:"baseline_cost"`
	RemainingHours   decimal.Decimal `gorm:"type:decimal(20,4)" json:"remaining_hours"`
	PercentComplete  decimal.Decimal `gorm:"type:decimal(7,2)" json:"percent_complete"`
	AssignedResource string          `gorm:"size:255" json:"assigned_resource"`
	ActualHours      decimal.Decimal `gorm:"type:decimal(20,4)" json:"actual_hours"`
	ActualCost       decimal.Decimal `gorm:"type:decimal(20,4)" json:"actual_cost"`
	SyntheticId      bool            `gorm:"not null" json:"synthetic_id"`
	SyncedAt         time.Time       `json:"synced_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t Task) StableID() string { return t.ID }

type TaskDependency struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	ProjectId     string    `gorm:"size:64;index;not null" json:"project_id"`
	PredecessorId string    `gorm:"size:64;index;not null" json:"predecessor_id"`
	SuccessorId   string    `gorm:"size:64;index;not null" json:"successor_id"`
	Relation      string    `gorm:"size:2;not null" json:"relation"`
	LagDays       int       `gorm:"not null" json:"lag_days"`
	SyncedAt      time.Time `json:"synced_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (d TaskDependency) StableID() string { return d.ID }
