package models

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type EmployeeRef struct {
	ID              string
	HourlyRate      decimal.Decimal
	IsActive        bool
	TerminationDate *time.Time
}

// Snapshot is a read-only view of reference data, loaded once per run and passed to the
// stages that need it. It is never mutated after LoadSnapshot returns.
type Snapshot struct {
	LoadedAt   time.Time
	projectIds map[string]bool
	employees  map[string]EmployeeRef
}

func LoadSnapshot(ctx context.Context, db *gorm.DB) (*Snapshot, error) {
	s := &Snapshot{
		LoadedAt:   time.Now().UTC(),
		projectIds: map[string]bool{},
		employees:  map[string]EmployeeRef{},
	}

	var projectIds []string
	if err := db.WithContext(ctx).Model(&Project{}).Pluck("id", &projectIds).Error; err != nil {
		return nil, err
	}
	for _, id := range projectIds {
		s.projectIds[id] = true
	}

	var employees []Employee
	if err := db.WithContext(ctx).Select("id", "hourly_rate", "is_active", "termination_date").Find(&employees).Error; err != nil {
		return nil, err
	}
	for _, e := range employees {
		s.employees[e.ID] = EmployeeRef{
			ID:              e.ID,
			HourlyRate:      e.HourlyRate,
			IsActive:        e.IsActive,
			TerminationDate: e.TerminationDate,
		}
	}
	return s, nil
}

// NewSnapshot builds a snapshot from in-memory data.
func NewSnapshot(projectIds []string, employees []EmployeeRef) *Snapshot {
	s := &Snapshot{
		LoadedAt:   time.Now().UTC(),
		projectIds: make(map[string]bool, len(projectIds)),
		employees:  make(map[string]EmployeeRef, len(employees)),
	}
	for _, id := range projectIds {
		s.projectIds[id] = true
	}
	for _, e := range employees {
		s.employees[e.ID] = e
	}
	return s
}

func (s *Snapshot) HasProject(id string) bool {
	return s != nil && s.projectIds[id]
}

func (s *Snapshot) Employee(id string) (EmployeeRef, bool) {
	if s == nil {
		return EmployeeRef{}, false
	}
	e, ok := s.employees[id]
	return e, ok
}

// ProjectIDs returns the known project ids, sorted.
func (s *Snapshot) ProjectIDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.projectIds))
	for id := range s.projectIds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Snapshot) ProjectCount() int {
	if s == nil {
		return 0
	}
	return len(s.projectIds)
}

func (s *Snapshot) EmployeeCount() int {
	if s == nil {
		return 0
	}
	return len(s.employees)
}
