package reconsync_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/mmdatafocus/hours_backend/alerting"
	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/normalizer"
	"github.com/mmdatafocus/hours_backend/reconsync"
	"github.com/mmdatafocus/hours_backend/testutil"
	"github.com/mmdatafocus/hours_backend/upstream"
	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeSource serves fixed feeds; hours are filtered by their "date" column.
type fakeSource struct {
	employees    []normalizer.Record
	projects     []normalizer.Record
	hierarchy    []normalizer.Record
	hours        []normalizer.Record
	projectsErr  error
	failWindows  map[string]error
	hoursWindows []string
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Employees(context.Context) ([]normalizer.Record, error) {
	return f.employees, nil
}

func (f *fakeSource) Projects(context.Context) ([]normalizer.Record, error) {
	return f.projects, f.projectsErr
}

func (f *fakeSource) Hierarchy(context.Context) ([]normalizer.Record, error) {
	return f.hierarchy, nil
}

func (f *fakeSource) Hours(_ context.Context, w upstream.Window) ([]normalizer.Record, error) {
	f.hoursWindows = append(f.hoursWindows, w.String())
	if err, ok := f.failWindows[w.String()]; ok {
		return nil, err
	}
	var out []normalizer.Record
	for _, rec := range f.hours {
		day, err := time.Parse("2006-01-02", rec["date"].(string))
		if err == nil && w.Contains(day) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newOrchestrator(db *gorm.DB, src upstream.Source) *reconsync.Orchestrator {
	settings := config.DefaultSyncSettings()
	settings.RunTimeout = 0
	return &reconsync.Orchestrator{
		DB:       db,
		Settings: settings,
		OpenSource: func(context.Context, config.SyncSettings) (upstream.Source, error) {
			return src, nil
		},
		Scanner: alerting.Scanner{Window: 24 * time.Hour},
		Logger:  quietLogger(),
		Now:     func() time.Time { return testutil.FixedNow },
	}
}

func day(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func februaryRequest(syncType string) reconsync.RunRequest {
	return reconsync.RunRequest{SyncType: syncType, From: day("2024-02-01"), To: day("2024-02-29")}
}

func plantSource() *fakeSource {
	return &fakeSource{
		employees: []normalizer.Record{
			{"Employee_ID": "E1", "Name": "Ada Lovelace", "hourly_rate": "50"},
			{"employee_id": "E2", "full_name": "Grace Hopper"},
			{"Worker_ID": "E3", "Name": "Alan Turing", "status": "Terminated", "termination_date": "2024-01-15"},
		},
		projects: []normalizer.Record{
			{"project_id": "P1", "project_name": "Bridge", "budget_hours": 100},
		},
		hierarchy: []normalizer.Record{
			{"project_id": "P1", "uid": "1", "name": "North Unit", "outline_level": 2},
			{"project_id": "P1", "uid": "2", "name": "Engineering", "outline_level": 3},
			{"project_id": "P1", "uid": "3", "name": "Design", "outline_level": 4, "baseline_hours": "4"},
		},
		hours: []normalizer.Record{
			{"entry_id": "H1", "project_id": "P1", "employee_id": "E1", "date": "2024-02-05", "hours": "6", "charge_code": "ENG-Design-Review"},
			{"entry_id": "H2", "project_id": "P404", "employee_id": "E1", "date": "2024-02-06", "hours": "3"},
			{"entry_id": "H3", "project_id": "P1", "employee_id": "E3", "date": "2024-02-07", "hours": "2", "charge_code": "misc"},
		},
	}
}

func TestRunFullReconciliation(t *testing.T) {
	db := testutil.NewDB(t)
	src := plantSource()
	o := newOrchestrator(db, src)
	ctx := context.Background()

	var events []reconsync.ProgressEvent
	result := o.Run(ctx, februaryRequest(reconsync.SyncTypeFull), func(ev reconsync.ProgressEvent) {
		events = append(events, ev)
	})

	require.Empty(t, result.Error)
	assert.Equal(t, models.SyncRunStatusSuccess, result.Status)
	assert.True(t, result.Success)
	assert.Equal(t, "fake", result.Source)
	assert.Equal(t, "2024-02-01", result.From)
	require.Len(t, result.Stages, 6)
	for _, sr := range result.Stages {
		assert.Equal(t, reconsync.StageStatusSuccess, sr.Status, sr.Stage)
	}
	assert.Len(t, result.Logs, 6)

	assert.Equal(t, 3, result.Stage(reconsync.StageEmployees).Counts["written"])
	var employees []models.Employee
	require.NoError(t, db.Order("external_id").Find(&employees).Error)
	require.Len(t, employees, 3)
	assert.False(t, employees[2].IsActive)

	hours := result.Stage(reconsync.StageHours)
	assert.Equal(t, 2, hours.Counts["written"])
	assert.Equal(t, 1, hours.Counts["dropped"])
	require.Len(t, hours.Errors, 1)
	assert.Equal(t, utils.ErrorKindForeignKey, hours.Errors[0].Kind)
	assert.Equal(t, "H2", hours.Errors[0].Ref)
	assert.True(t, hours.Errors[0].RowLevel)

	var linked models.HourEntry
	require.NoError(t, db.First(&linked, "id = ?", utils.DeriveID(utils.IDKindHourEntry, "H1")).Error)
	require.NotNil(t, linked.TaskId)
	var task models.Task
	require.NoError(t, db.First(&task, "id = ?", *linked.TaskId).Error)
	assert.Equal(t, "Design", task.Name)
	assert.Equal(t, 1, result.Stage(reconsync.StageMatching).Counts["auto_linked"])

	assert.True(t, decimal.NewFromInt(6).Equal(task.ActualHours), task.ActualHours.String())

	alerts := result.Stage(reconsync.StageAlerts)
	assert.Positive(t, alerts.Counts["created"])
	var overBudget int64
	require.NoError(t, db.Model(&models.AlertEvent{}).Where("event_type = ?", alerting.RuleTaskOverBudget).Count(&overBudget).Error)
	assert.Equal(t, int64(1), overBudget)

	assert.Equal(t, 1, result.ErrorCount)
	assert.GreaterOrEqual(t, result.RecordsSynced, 3+1+2)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, reconsync.EventDone, last.Type)
	assert.Same(t, result, last.Result)
}

func TestRunIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	o := newOrchestrator(db, plantSource())
	ctx := context.Background()

	first := o.Run(ctx, februaryRequest(reconsync.SyncTypeFull), nil)
	second := o.Run(ctx, februaryRequest(reconsync.SyncTypeFull), nil)

	require.True(t, first.Success)
	require.True(t, second.Success)
	var entries, alerts int64
	require.NoError(t, db.Model(&models.HourEntry{}).Count(&entries).Error)
	require.NoError(t, db.Model(&models.AlertEvent{}).Count(&alerts).Error)
	assert.Equal(t, int64(2), entries)
	assert.Equal(t, int64(first.Stage(reconsync.StageAlerts).Counts["created"]), alerts)
	assert.Zero(t, second.Stage(reconsync.StageAlerts).Counts["created"])

	// The second run must not unlink what matching linked in the first.
	var linked models.HourEntry
	require.NoError(t, db.First(&linked, "id = ?", utils.DeriveID(utils.IDKindHourEntry, "H1")).Error)
	assert.NotNil(t, linked.TaskId)
}

func TestRunConfigurationErrorAbortsBeforeWrites(t *testing.T) {
	db := testutil.NewDB(t)
	o := newOrchestrator(db, plantSource())
	o.OpenSource = func(context.Context, config.SyncSettings) (upstream.Source, error) {
		return nil, errors.New("UPSTREAM_API_KEY is not set")
	}

	result := o.Run(context.Background(), februaryRequest(reconsync.SyncTypeFull), nil)

	assert.Equal(t, models.SyncRunStatusFailed, result.Status)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "UPSTREAM_API_KEY")
	assert.Empty(t, result.Stages)
	var n int64
	require.NoError(t, db.Model(&models.Employee{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestRunRejectsBadRequests(t *testing.T) {
	db := testutil.NewDB(t)
	o := newOrchestrator(db, plantSource())

	unknown := o.Run(context.Background(), reconsync.RunRequest{SyncType: "everything"}, nil)
	assert.Equal(t, models.SyncRunStatusFailed, unknown.Status)
	assert.Contains(t, unknown.Error, "unknown sync type")

	backwards := o.Run(context.Background(), reconsync.RunRequest{SyncType: reconsync.SyncTypeHours, From: day("2024-02-10"), To: day("2024-02-01")}, nil)
	assert.Equal(t, models.SyncRunStatusFailed, backwards.Status)
	assert.Contains(t, backwards.Error, "before start")
}

func TestRunFailedWindowIsPartial(t *testing.T) {
	db := testutil.NewDB(t)
	src := plantSource()
	src.failWindows = map[string]error{
		"2024-02-01..2024-02-05": utils.SyncErrorf(utils.ErrorKindUpstreamFetch, "hours", "upstream returned 503"),
	}
	o := newOrchestrator(db, src)
	o.Settings.WindowDays = 5

	result := o.Run(context.Background(), februaryRequest(reconsync.SyncTypeFull), nil)

	hours := result.Stage(reconsync.StageHours)
	require.NotNil(t, hours)
	assert.Equal(t, reconsync.StageStatusPartial, hours.Status)
	assert.Equal(t, 6, hours.Counts["windows"])
	assert.Equal(t, 1, hours.Counts["windows_failed"])
	assert.Len(t, src.hoursWindows, 6)
	assert.Equal(t, 1, hours.Counts["written"])
	assert.Equal(t, models.SyncRunStatusPartial, result.Status)
	assert.True(t, result.Success)
	assert.Equal(t, reconsync.StageStatusSuccess, result.Stage(reconsync.StageMatching).Status)
}

func TestRunMalformedWindowStopsHours(t *testing.T) {
	db := testutil.NewDB(t)
	src := plantSource()
	src.failWindows = map[string]error{
		"2024-02-01..2024-02-05": utils.SyncErrorf(utils.ErrorKindParse, "hours", "decode hours: unexpected token"),
	}
	o := newOrchestrator(db, src)
	o.Settings.WindowDays = 5

	result := o.Run(context.Background(), februaryRequest(reconsync.SyncTypeFull), nil)

	hours := result.Stage(reconsync.StageHours)
	require.NotNil(t, hours)
	assert.Equal(t, reconsync.StageStatusFailed, hours.Status)
	assert.Equal(t, []string{"2024-02-01..2024-02-05"}, src.hoursWindows)
	assert.Equal(t, 0, hours.Counts["windows_ok"])
	assert.Equal(t, 0, hours.Counts["written"])
	require.Len(t, hours.Errors, 1)
	assert.Equal(t, utils.ErrorKindParse, hours.Errors[0].Kind)
	assert.False(t, hours.Errors[0].Retryable)

	assert.Equal(t, reconsync.StageStatusSkipped, result.Stage(reconsync.StageMatching).Status)
	assert.Equal(t, reconsync.StageStatusSkipped, result.Stage(reconsync.StageRollups).Status)
	assert.Equal(t, reconsync.StageStatusSuccess, result.Stage(reconsync.StageAlerts).Status)
	assert.False(t, result.Success)

	var n int64
	require.NoError(t, db.Model(&models.HourEntry{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestRunAllWindowsFailedSkipsDependents(t *testing.T) {
	db := testutil.NewDB(t)
	src := plantSource()
	src.failWindows = map[string]error{"2024-02-01..2024-02-29": errors.New("connection reset")}
	o := newOrchestrator(db, src)

	result := o.Run(context.Background(), februaryRequest(reconsync.SyncTypeFull), nil)

	hours := result.Stage(reconsync.StageHours)
	assert.Equal(t, reconsync.StageStatusFailed, hours.Status)
	require.Len(t, hours.Errors, 1)
	assert.Equal(t, "window_failed", hours.Errors[0].Code)
	assert.True(t, hours.Errors[0].Retryable)
	assert.Equal(t, reconsync.StageStatusSkipped, result.Stage(reconsync.StageMatching).Status)
	assert.Equal(t, reconsync.StageStatusSkipped, result.Stage(reconsync.StageRollups).Status)
	assert.Equal(t, reconsync.StageStatusSuccess, result.Stage(reconsync.StageAlerts).Status)
	assert.Equal(t, models.SyncRunStatusPartial, result.Status)
	assert.False(t, result.Success)
}

func TestRunProjectFailureKeepsIndependentStages(t *testing.T) {
	db := testutil.NewDB(t)
	src := plantSource()
	src.projectsErr = utils.SyncErrorf(utils.ErrorKindParse, "projects", "unexpected body")
	o := newOrchestrator(db, src)

	result := o.Run(context.Background(), februaryRequest(reconsync.SyncTypeFull), nil)

	assert.Equal(t, reconsync.StageStatusSuccess, result.Stage(reconsync.StageEmployees).Status)
	projects := result.Stage(reconsync.StageProjects)
	assert.Equal(t, reconsync.StageStatusFailed, projects.Status)
	assert.Equal(t, utils.ErrorKindParse, projects.Errors[0].Kind)
	assert.False(t, projects.Errors[0].Retryable)
	assert.Equal(t, reconsync.StageStatusSkipped, result.Stage(reconsync.StageMatching).Status)
	assert.NotEqual(t, reconsync.StageStatusSkipped, result.Stage(reconsync.StageHours).Status)
	assert.Equal(t, models.SyncRunStatusPartial, result.Status)
}

func TestRunSyncTypeSelectsStages(t *testing.T) {
	cases := map[string][]string{
		reconsync.SyncTypeEmployees: {reconsync.StageEmployees},
		reconsync.SyncTypeHours:     {reconsync.StageHours, reconsync.StageMatching, reconsync.StageRollups},
		reconsync.SyncTypeMatching:  {reconsync.StageMatching, reconsync.StageRollups},
		reconsync.SyncTypeAlerts:    {reconsync.StageAlerts},
	}
	for syncType, want := range cases {
		t.Run(syncType, func(t *testing.T) {
			o := newOrchestrator(testutil.NewDB(t), plantSource())
			result := o.Run(context.Background(), februaryRequest(syncType), nil)
			var got []string
			for _, sr := range result.Stages {
				got = append(got, sr.Stage)
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestRunMatchingDoesNotOpenSource(t *testing.T) {
	o := newOrchestrator(testutil.NewDB(t), nil)
	o.OpenSource = func(context.Context, config.SyncSettings) (upstream.Source, error) {
		t.Fatal("source opened for a matching-only run")
		return nil, nil
	}

	result := o.Run(context.Background(), februaryRequest(reconsync.SyncTypeMatching), nil)

	assert.Equal(t, models.SyncRunStatusSuccess, result.Status)
	assert.Empty(t, result.Source)
}

func TestExecutePersistsRunAndErrors(t *testing.T) {
	db := testutil.NewDB(t)
	o := newOrchestrator(db, plantSource())
	ctx := utils.SetActorInContext(context.Background(), "ops@example.com")

	req := februaryRequest(reconsync.SyncTypeFull)
	run, err := o.NewSyncRun(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusQueued, run.Status)
	assert.Equal(t, "ops@example.com", run.Actor)

	result, err := o.Execute(ctx, run, nil)
	require.NoError(t, err)
	assert.Equal(t, run.ID, result.RunId)

	stored, err := models.GetSyncRun(ctx, db, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusSuccess, stored.Status)
	assert.Equal(t, result.RecordsSynced, stored.RecordsSynced)
	assert.Equal(t, 1, stored.ErrorCount)
	assert.NotEmpty(t, stored.StagesJSON)
	require.NotNil(t, stored.FinishedAt)

	errs, err := models.ListSyncErrors(ctx, db, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, reconsync.StageHours, errs[0].Stage)
	assert.Equal(t, "H2", errs[0].ExternalId)

	_, err = o.Execute(ctx, stored, nil)
	assert.ErrorIs(t, err, reconsync.ErrRunFinished)
}

func TestExecuteRecordsConfigurationFailure(t *testing.T) {
	db := testutil.NewDB(t)
	o := newOrchestrator(db, nil)
	o.OpenSource = func(context.Context, config.SyncSettings) (upstream.Source, error) {
		return nil, utils.SyncErrorf(utils.ErrorKindConfiguration, "source", "xlsx source needs a file path")
	}
	ctx := context.Background()
	run, err := o.NewSyncRun(ctx, reconsync.RunRequest{SyncType: reconsync.SyncTypeEmployees}, nil)
	require.NoError(t, err)

	result, err := o.Execute(ctx, run, nil)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusFailed, result.Status)

	errs, err := models.ListSyncErrors(ctx, db, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, string(utils.ErrorKindConfiguration), errs[0].ErrorCode)
	assert.False(t, errs[0].Retryable)
}
