package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProjectRollupColumns are derived by the rollup stage; ingestion never overwrites them.
var ProjectRollupColumns = []string{"actual_hours", "actual_cost", "unassigned_hours", "rolled_up_at"}

type Project struct {
	ID              string          `gorm:"primaryKey;size:64" json:"id"`
	ExternalId      string          `gorm:"size:128;index;not null" json:"external_id"`
	Code            string          `gorm:"size:64" json:"code"`
	Name            string          `gorm:"size:255" json:"name"`
	Client          string          `gorm:"size:255" json:"client"`
	Status          string          `gorm:"size:32" json:"status"`
	Manager         string          `gorm:"size:255" json:"manager"`
	StartDate       *time.Time      `gorm:"type:date" json:"start_date"`
	EndDate         *time.Time      `gorm:"type:date" json:"end_date"`
	BudgetHours     decimal.Decimal `gorm:"type:decimal(20,4)" json:"budget_hours"`
	BudgetCost      decimal.Decimal `gorm:"type:decimal(20,4)" json:"budget_cost"`
	IsActive        bool            `gorm:"not null" json:"is_active"`
	ActualHours     decimal.Decimal `gorm:"type:decimal(20,4)" json:"actual_hours"`
	ActualCost      decimal.Decimal `gorm:"type:decimal(20,4)" json:"actual_cost"`
	UnassignedHours decimal.Decimal `gorm:"type:decimal(20,4)" json:"unassigned_hours"`
	RolledUpAt      *time.Time      `json:"rolled_up_at"`
	SyncedAt        time.Time       `json:"synced_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p Project) StableID() string { return p.ID }
