package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HourEntryLinkColumns are owned by matching and suggestion review, not by ingestion.
var HourEntryLinkColumns = []string{"task_id", "linked_at", "linked_by", "match_confidence", "match_reasoning"}

type HourEntry struct {
	ID          string          `gorm:"primaryKey;size:64" json:"id"`
	ExternalId  string          `gorm:"size:128;index" json:"external_id"`
	ProjectId   string          `gorm:"size:64;index;not null" json:"project_id"`
	EmployeeId  string          `gorm:"size:64;index" json:"employee_id"`
	TaskId      *string         `gorm:"size:64;index" json:"task_id"`
	WorkDate    *time.Time      `gorm:"type:date;index" json:"work_date"`
	Hours       decimal.Decimal `gorm:"type:decimal(20,4)" json:"hours"`
	Cost        decimal.Decimal `gorm:"type:decimal(20,4)" json:"cost"`
	ChargeCode  string          `gorm:"size:255" json:"charge_code"`
	Description string          `gorm:"type:text" json:"description"`
	Billable    bool            `gorm:"not null" json:"billable"`
	SyntheticId bool            `gorm:"not null" json:"synthetic_id"`
	LinkedAt    *time.Time      `json:"linked_at"`
	LinkedBy    string          `gorm:"size:128" json:"linked_by"`

	// MatchConfidence and MatchReasoning record why task_id was set.
	MatchConfidence *float64 `json:"match_confidence"`
	MatchReasoning  string   `gorm:"type:text" json:"match_reasoning"`

	SyncedAt  time.Time `json:"synced_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (h HourEntry) StableID() string { return h.ID }

// ChargeText is the free text matched against task and phase names.
func (h HourEntry) ChargeText() string {
	return strings.TrimSpace(strings.TrimSpace(h.ChargeCode) + " " + strings.TrimSpace(h.Description))
}
