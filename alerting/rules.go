// Package alerting scans persisted hours and budgets for threshold breaches and emits
// deduplicated alert events.
package alerting

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/hours_backend/models"
	"github.com/shopspring/decimal"
)

const (
	RuleTaskOverBudget        = "task_over_budget"
	RuleProjectOverBudget     = "project_over_budget"
	RuleUnassignedHours       = "unassigned_hours"
	RuleInactiveEmployeeHours = "inactive_employee_hours"
)

// Threshold is the lowest metric value that raises Severity.
type Threshold struct {
	Severity string
	Min      decimal.Decimal
}

// Rule is a fixed severity table, highest threshold first.
type Rule struct {
	EventType  string
	EntityType string
	Thresholds []Threshold
}

var (
	// actual hours / baseline hours
	TaskOverBudget = Rule{
		EventType:  RuleTaskOverBudget,
		EntityType: "task",
		Thresholds: []Threshold{
			{Severity: models.AlertSeverityCritical, Min: decimal.RequireFromString("1.25")},
			{Severity: models.AlertSeverityWarning, Min: decimal.RequireFromString("1.00")},
		},
	}
	// the larger of actual/budget hours and actual/budget cost
	ProjectOverBudget = Rule{
		EventType:  RuleProjectOverBudget,
		EntityType: "project",
		Thresholds: []Threshold{
			{Severity: models.AlertSeverityCritical, Min: decimal.RequireFromString("1.10")},
			{Severity: models.AlertSeverityWarning, Min: decimal.RequireFromString("1.00")},
			{Severity: models.AlertSeverityInfo, Min: decimal.RequireFromString("0.90")},
		},
	}
	// unassigned hours / all project hours
	UnassignedHours = Rule{
		EventType:  RuleUnassignedHours,
		EntityType: "project",
		Thresholds: []Threshold{
			{Severity: models.AlertSeverityCritical, Min: decimal.RequireFromString("0.40")},
			{Severity: models.AlertSeverityWarning, Min: decimal.RequireFromString("0.20")},
		},
	}
	// hours booked by an inactive or terminated employee
	InactiveEmployeeHours = Rule{
		EventType:  RuleInactiveEmployeeHours,
		EntityType: "employee",
		Thresholds: []Threshold{
			{Severity: models.AlertSeverityCritical, Min: decimal.NewFromInt(40)},
			{Severity: models.AlertSeverityWarning, Min: decimal.RequireFromString("0.01")},
		},
	}
)

// Rules lists every rule the scanner evaluates.
var Rules = []Rule{TaskOverBudget, ProjectOverBudget, UnassignedHours, InactiveEmployeeHours}

// Classify returns the severity of metric, or false when it is below every threshold.
func (r Rule) Classify(metric decimal.Decimal) (Threshold, bool) {
	for _, t := range r.Thresholds {
		if metric.GreaterThanOrEqual(t.Min) {
			return t, true
		}
	}
	return Threshold{}, false
}

// DedupeKey identifies one condition on one entity. Severity is not part of it, so an
// escalation inside the suppression window is still suppressed.
func (r Rule) DedupeKey(entityID string) string {
	return r.EventType + ":" + entityID
}

func (r Rule) finding(projectID string, entityID string, metric decimal.Decimal, title string, message string) (models.AlertFinding, bool) {
	t, ok := r.Classify(metric)
	if !ok {
		return models.AlertFinding{}, false
	}
	return models.AlertFinding{
		EventType:  r.EventType,
		Severity:   t.Severity,
		DedupeKey:  r.DedupeKey(entityID),
		ProjectId:  projectID,
		EntityType: r.EntityType,
		EntityId:   entityID,
		Title:      title,
		Message:    message,
		Metric:     metric.Round(4),
		Threshold:  t.Min,
	}, true
}

func ratio(actual, budget decimal.Decimal) (decimal.Decimal, bool) {
	if !budget.IsPositive() {
		return decimal.Zero, false
	}
	return actual.DivRound(budget, 4), true
}

func percent(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
}

// EvaluateTask checks an active, non-summary task against its baseline hours.
func EvaluateTask(t models.Task) (models.AlertFinding, bool) {
	if !t.IsActive || t.IsSummary {
		return models.AlertFinding{}, false
	}
	r, ok := ratio(t.ActualHours, t.BaselineHours)
	if !ok {
		return models.AlertFinding{}, false
	}
	return TaskOverBudget.finding(t.ProjectId, t.ID, r,
		fmt.Sprintf("Task %s is over budget", t.Name),
		fmt.Sprintf("%s of %s baseline hours used (%s)", t.ActualHours.StringFixed(2), t.BaselineHours.StringFixed(2), percent(r)))
}

// EvaluateProject checks an active project's hours and cost against budget.
func EvaluateProject(p models.Project) (models.AlertFinding, bool) {
	if !p.IsActive {
		return models.AlertFinding{}, false
	}
	hoursRatio, hoursOk := ratio(p.ActualHours, p.BudgetHours)
	costRatio, costOk := ratio(p.ActualCost, p.BudgetCost)
	if !hoursOk && !costOk {
		return models.AlertFinding{}, false
	}
	metric, basis := hoursRatio, "hours"
	if costOk && (!hoursOk || costRatio.GreaterThan(hoursRatio)) {
		metric, basis = costRatio, "cost"
	}
	return ProjectOverBudget.finding(p.ID, p.ID, metric,
		fmt.Sprintf("Project %s budget at %s", p.Name, percent(metric)),
		fmt.Sprintf("budget %s consumption is %s", basis, percent(metric)))
}

// EvaluateUnassigned checks the share of a project's hours that no task owns.
func EvaluateUnassigned(p models.Project) (models.AlertFinding, bool) {
	if !p.IsActive {
		return models.AlertFinding{}, false
	}
	r, ok := ratio(p.UnassignedHours, p.ActualHours)
	if !ok {
		return models.AlertFinding{}, false
	}
	return UnassignedHours.finding(p.ID, p.ID, r,
		fmt.Sprintf("Project %s has unassigned hours", p.Name),
		fmt.Sprintf("%s of %s hours are not linked to a task (%s)", p.UnassignedHours.StringFixed(2), p.ActualHours.StringFixed(2), percent(r)))
}

// EmployeeHours is the hours one employee booked on one project after leaving.
type EmployeeHours struct {
	ProjectId       string
	EmployeeId      string
	EmployeeName    string
	Hours           decimal.Decimal
	TerminationDate *time.Time
}

// EvaluateInactiveEmployee flags hours booked while an employee was no longer active.
func EvaluateInactiveEmployee(h EmployeeHours) (models.AlertFinding, bool) {
	since := "while inactive"
	if h.TerminationDate != nil {
		since = "after termination on " + h.TerminationDate.Format("2006-01-02")
	}
	f, ok := InactiveEmployeeHours.finding(h.ProjectId, h.EmployeeId, h.Hours,
		fmt.Sprintf("Hours booked by inactive employee %s", h.EmployeeName),
		fmt.Sprintf("%s hours booked %s", h.Hours.StringFixed(2), since))
	if ok {
		f.DedupeKey = InactiveEmployeeHours.DedupeKey(h.ProjectId + "/" + h.EmployeeId)
	}
	return f, ok
}
