package alerting

import (
	"context"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/metrics"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Notifier fans a newly created alert out to an external channel.
type Notifier interface {
	Notify(ctx context.Context, event *models.AlertEvent) error
}

type Scanner struct {
	Window   time.Duration
	Now      func() time.Time
	Locker   *redislock.Client
	LockTTL  time.Duration
	Notifier Notifier
	Logger   *logrus.Logger
}

type ScanReport struct {
	Findings     int            `json:"findings"`
	Created      int            `json:"created"`
	Suppressed   int            `json:"suppressed"`
	Failed       int            `json:"failed"`
	Notified     int            `json:"notified"`
	NotifyFailed int            `json:"notify_failed"`
	ByRule       map[string]int `json:"by_rule"`
}

func (s Scanner) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return config.GetLogger()
}

func (s Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Scan evaluates every rule over persisted state and emits each finding through the
// dedup gate. Emission failures are counted; only read failures return an error.
func (s Scanner) Scan(ctx context.Context, db *gorm.DB) (ScanReport, error) {
	report := ScanReport{ByRule: map[string]int{}}
	findings, err := Findings(ctx, db)
	if err != nil {
		return report, err
	}

	log := s.logger()
	opts := models.EmitOptions{Window: s.Window, Now: s.now, Locker: s.Locker, LockTTL: s.LockTTL}
	for _, f := range findings {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if config.AlertRuleDisabled(f.EventType) {
			continue
		}
		report.Findings++
		report.ByRule[f.EventType]++
		outcome, event, err := models.EmitAlert(ctx, db, f, opts)
		if err != nil {
			report.Failed++
			metrics.IncAlert(f.EventType, "failed")
			config.LogError(log, "alerting", "Scan", "emit alert", f.DedupeKey, err)
			continue
		}
		metrics.IncAlert(f.EventType, string(outcome))
		if outcome == models.EmitSuppressed {
			report.Suppressed++
			continue
		}
		report.Created++
		if s.Notifier == nil {
			continue
		}
		if err := s.Notifier.Notify(ctx, event); err != nil {
			report.NotifyFailed++
			config.LogError(log, "alerting", "Scan", "notify alert", event.ID, err)
			continue
		}
		report.Notified++
	}

	log.WithFields(logrus.Fields{
		"findings":   report.Findings,
		"created":    report.Created,
		"suppressed": report.Suppressed,
		"failed":     report.Failed,
	}).Info("alert scan finished")
	return report, nil
}

// Findings evaluates all rules and returns their hits ordered by event type and dedupe key.
func Findings(ctx context.Context, db *gorm.DB) ([]models.AlertFinding, error) {
	var out []models.AlertFinding

	var tasks []models.Task
	if err := db.WithContext(ctx).
		Where("is_active = ? AND is_summary = ? AND baseline_hours > 0", true, false).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if f, ok := EvaluateTask(t); ok {
			out = append(out, f)
		}
	}

	var projects []models.Project
	if err := db.WithContext(ctx).Where("is_active = ?", true).Find(&projects).Error; err != nil {
		return nil, err
	}
	for _, p := range projects {
		if f, ok := EvaluateProject(p); ok {
			out = append(out, f)
		}
		if f, ok := EvaluateUnassigned(p); ok {
			out = append(out, f)
		}
	}

	hours, err := inactiveEmployeeHours(ctx, db)
	if err != nil {
		return nil, err
	}
	for _, h := range hours {
		if f, ok := EvaluateInactiveEmployee(h); ok {
			out = append(out, f)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].DedupeKey < out[j].DedupeKey
	})
	return out, nil
}

// inactiveEmployeeHours sums, per project and employee, the hours dated after the
// employee's termination date, or all hours of an inactive employee with no such date.
func inactiveEmployeeHours(ctx context.Context, db *gorm.DB) ([]EmployeeHours, error) {
	var employees []models.Employee
	if err := db.WithContext(ctx).
		Select("id", "name", "is_active", "termination_date").
		Where("is_active = ? OR termination_date IS NOT NULL", false).
		Find(&employees).Error; err != nil {
		return nil, err
	}
	if len(employees) == 0 {
		return nil, nil
	}
	byID := make(map[string]models.Employee, len(employees))
	ids := make([]string, 0, len(employees))
	for _, e := range employees {
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}

	var entries []models.HourEntry
	if err := db.WithContext(ctx).
		Select("id", "project_id", "employee_id", "work_date", "hours").
		Where("employee_id IN ?", ids).
		Find(&entries).Error; err != nil {
		return nil, err
	}

	type key struct{ project, employee string }
	sums := map[key]decimal.Decimal{}
	var order []key
	for _, h := range entries {
		e := byID[h.EmployeeId]
		switch {
		case e.TerminationDate != nil:
			if h.WorkDate == nil || !h.WorkDate.After(*e.TerminationDate) {
				continue
			}
		case e.IsActive:
			continue
		}
		k := key{h.ProjectId, h.EmployeeId}
		if _, seen := sums[k]; !seen {
			order = append(order, k)
		}
		sums[k] = sums[k].Add(h.Hours)
	}

	out := make([]EmployeeHours, 0, len(order))
	for _, k := range order {
		e := byID[k.employee]
		out = append(out, EmployeeHours{
			ProjectId:       k.project,
			EmployeeId:      k.employee,
			EmployeeName:    e.Name,
			Hours:           sums[k],
			TerminationDate: e.TerminationDate,
		})
	}
	return out, nil
}
