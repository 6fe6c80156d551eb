package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Employee is the canonical worker record. ID is DeriveID(EMP, external id).
type Employee struct {
	ID              string          `gorm:"primaryKey;size:64" json:"id"`
	ExternalId      string          `gorm:"size:128;index;not null" json:"external_id"`
	Name            string          `gorm:"size:255" json:"name"`
	Email           string          `gorm:"size:255" json:"email"`
	Phone           string          `gorm:"size:32" json:"phone"`
	Department      string          `gorm:"size:128" json:"department"`
	Title           string          `gorm:"size:128" json:"title"`
	HourlyRate      decimal.Decimal `gorm:"type:decimal(20,4)" json:"hourly_rate"`
	IsActive        bool            `gorm:"not null" json:"is_active"`
	HireDate        *time.Time      `gorm:"type:date" json:"hire_date"`
	TerminationDate *time.Time      `gorm:"type:date" json:"termination_date"`
	SyntheticId     bool            `gorm:"not null" json:"synthetic_id"`
	SyncedAt        time.Time       `json:"synced_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (e Employee) StableID() string { return e.ID }
