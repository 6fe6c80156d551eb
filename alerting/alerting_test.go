package alerting_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/hours_backend/alerting"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []*models.AlertEvent
	err    error
}

func (n *fakeNotifier) Notify(_ context.Context, event *models.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestRuleClassify(t *testing.T) {
	cases := []struct {
		rule   alerting.Rule
		metric string
		want   string
	}{
		{alerting.TaskOverBudget, "0.99", ""},
		{alerting.TaskOverBudget, "1.00", models.AlertSeverityWarning},
		{alerting.TaskOverBudget, "1.25", models.AlertSeverityCritical},
		{alerting.ProjectOverBudget, "0.9", models.AlertSeverityInfo},
		{alerting.UnassignedHours, "0.19", ""},
		{alerting.UnassignedHours, "0.20", models.AlertSeverityWarning},
		{alerting.UnassignedHours, "0.40", models.AlertSeverityCritical},
		{alerting.InactiveEmployeeHours, "0", ""},
		{alerting.InactiveEmployeeHours, "0.5", models.AlertSeverityWarning},
	}
	for _, tc := range cases {
		got, ok := tc.rule.Classify(dec(tc.metric))
		if tc.want == "" {
			assert.False(t, ok, "%s %s", tc.rule.EventType, tc.metric)
			continue
		}
		require.True(t, ok, "%s %s", tc.rule.EventType, tc.metric)
		assert.Equal(t, tc.want, got.Severity, "%s %s", tc.rule.EventType, tc.metric)
	}
}

func TestEvaluateProjectUsesWorseBasis(t *testing.T) {
	p := models.Project{
		ID:          "PRJ_1",
		Name:        "Rollout",
		IsActive:    true,
		BudgetHours: dec("100"),
		ActualHours: dec("50"),
		BudgetCost:  dec("1000"),
		ActualCost:  dec("1150"),
	}

	f, ok := alerting.EvaluateProject(p)
	require.True(t, ok)
	assert.Equal(t, models.AlertSeverityCritical, f.Severity)
	assert.True(t, dec("1.15").Equal(f.Metric))
	assert.Equal(t, "project_over_budget:PRJ_1", f.DedupeKey)
	assert.Contains(t, f.Message, "cost")

	p.IsActive = false
	_, ok = alerting.EvaluateProject(p)
	assert.False(t, ok)
}

func TestEvaluateTaskIgnoresSummaryAndUnbudgeted(t *testing.T) {
	task := models.Task{ID: "WP_1", IsActive: true, ActualHours: dec("12"), BaselineHours: dec("10")}
	_, ok := alerting.EvaluateTask(task)
	assert.True(t, ok)

	task.IsSummary = true
	_, ok = alerting.EvaluateTask(task)
	assert.False(t, ok)

	task.IsSummary = false
	task.BaselineHours = decimal.Zero
	_, ok = alerting.EvaluateTask(task)
	assert.False(t, ok)
}

func seedBreaches(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&models.Project{
		ID: "PRJ_1", ExternalId: "P1", Name: "Rollout", IsActive: true,
		BudgetHours: dec("100"), ActualHours: dec("120"), UnassignedHours: dec("50"),
	}).Error)
	require.NoError(t, db.Create(&models.Task{
		ID: "WP_1", ProjectId: "PRJ_1", Name: "Design", IsActive: true,
		BaselineHours: dec("10"), ActualHours: dec("11"),
	}).Error)
	require.NoError(t, db.Create(&models.Employee{
		ID: "EMP_1", ExternalId: "E1", Name: "Former Worker", IsActive: false, TerminationDate: date(2024, 2, 1),
	}).Error)
	require.NoError(t, db.Create(&[]models.HourEntry{
		{ID: "HE_1", ProjectId: "PRJ_1", EmployeeId: "EMP_1", WorkDate: date(2024, 1, 20), Hours: dec("4")},
		{ID: "HE_2", ProjectId: "PRJ_1", EmployeeId: "EMP_1", WorkDate: date(2024, 2, 10), Hours: dec("6")},
	}).Error)
}

func TestFindings(t *testing.T) {
	db := testutil.NewDB(t)
	seedBreaches(t, db)

	findings, err := alerting.Findings(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, findings, 4)

	byType := map[string]models.AlertFinding{}
	for _, f := range findings {
		byType[f.EventType] = f
	}
	assert.Equal(t, models.AlertSeverityCritical, byType[alerting.RuleProjectOverBudget].Severity)
	assert.Equal(t, models.AlertSeverityCritical, byType[alerting.RuleUnassignedHours].Severity)
	assert.Equal(t, models.AlertSeverityWarning, byType[alerting.RuleTaskOverBudget].Severity)

	inactive := byType[alerting.RuleInactiveEmployeeHours]
	assert.Equal(t, models.AlertSeverityWarning, inactive.Severity)
	assert.True(t, dec("6").Equal(inactive.Metric))
	assert.Equal(t, "inactive_employee_hours:PRJ_1/EMP_1", inactive.DedupeKey)
	assert.Equal(t, "EMP_1", inactive.EntityId)
}

func TestScanDedupesAcrossRuns(t *testing.T) {
	db := testutil.NewDB(t)
	seedBreaches(t, db)
	ctx := context.Background()
	notifier := &fakeNotifier{}
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	scanner := alerting.Scanner{Window: 24 * time.Hour, Now: func() time.Time { return now }, Notifier: notifier}

	first, err := scanner.Scan(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Created)
	assert.Equal(t, 4, first.Notified)
	assert.Equal(t, 1, first.ByRule[alerting.RuleTaskOverBudget])

	now = now.Add(6 * time.Hour)
	second, err := scanner.Scan(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 4, second.Suppressed)
	assert.Len(t, notifier.events, 4)

	now = now.Add(24 * time.Hour)
	third, err := scanner.Scan(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 4, third.Created)

	var count int64
	require.NoError(t, db.Model(&models.AlertEvent{}).Count(&count).Error)
	assert.EqualValues(t, 8, count)
}

func TestScanCountsNotifyFailures(t *testing.T) {
	db := testutil.NewDB(t)
	seedBreaches(t, db)
	scanner := alerting.Scanner{Notifier: &fakeNotifier{err: errors.New("topic unavailable")}}

	report, err := scanner.Scan(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Created)
	assert.Equal(t, 4, report.NotifyFailed)
	assert.Equal(t, 0, report.Notified)
}

func TestScanSkipsDisabledRules(t *testing.T) {
	t.Setenv("DISABLED_ALERT_RULES", " Unassigned_Hours , inactive_employee_hours")
	db := testutil.NewDB(t)
	seedBreaches(t, db)

	report, err := alerting.Scanner{}.Scan(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Findings)
	assert.Equal(t, 2, report.Created)
	assert.Zero(t, report.ByRule[alerting.RuleUnassignedHours])
}
