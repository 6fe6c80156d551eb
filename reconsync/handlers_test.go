package reconsync_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/reconsync"
	"github.com/mmdatafocus/hours_backend/testutil"
	"github.com/mmdatafocus/hours_backend/upstream"
	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T, opts reconsync.RouterOptions) (*gin.Engine, *reconsync.Orchestrator) {
	t.Helper()
	o := newOrchestrator(testutil.NewDB(t), plantSource())
	return reconsync.NewRouter(o, opts), o
}

func do(r http.Handler, method string, path string, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func staticSource(src upstream.Source) reconsync.SourceFactory {
	return func(context.Context, config.SyncSettings) (upstream.Source, error) {
		return src, nil
	}
}

func uintString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func TestTriggerSyncReturnsResult(t *testing.T) {
	r, o := newServer(t, reconsync.RouterOptions{})

	w := do(r, http.MethodPost, "/api/sync", `{"sync_type":"full","from":"2024-02-01","to":"2024-02-29"}`,
		map[string]string{"X-Actor": "planner@example.com"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result reconsync.RunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Len(t, result.Stages, 6)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-Id"))

	run, err := models.GetSyncRun(t.Context(), o.DB, result.RunId)
	require.NoError(t, err)
	assert.Equal(t, "planner@example.com", run.Actor)
	assert.Equal(t, models.SyncTriggeredManual, run.TriggeredBy)
	assert.Equal(t, w.Header().Get("X-Correlation-Id"), run.CorrelationId)
}

func TestTriggerSyncValidatesBody(t *testing.T) {
	r, _ := newServer(t, reconsync.RouterOptions{})

	bad := do(r, http.MethodPost, "/api/sync", `{"sync_type":"everything"}`, nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	badDate := do(r, http.MethodPost, "/api/sync", `{"from":"02/01/2024"}`, nil)
	assert.Equal(t, http.StatusBadRequest, badDate.Code)

	backwards := do(r, http.MethodPost, "/api/sync", `{"from":"2024-02-10","to":"2024-02-01"}`, nil)
	assert.Equal(t, http.StatusBadRequest, backwards.Code)
}

func TestTriggerSyncPartialIsMultiStatus(t *testing.T) {
	r, o := newServer(t, reconsync.RouterOptions{})
	o.Settings.WindowDays = 31
	src := plantSource()
	src.failWindows = map[string]error{"2024-02-01..2024-02-29": assert.AnError}
	o.OpenSource = staticSource(src)

	w := do(r, http.MethodPost, "/api/sync", `{"sync_type":"hours","from":"2024-02-01","to":"2024-02-29"}`, nil)

	assert.Equal(t, http.StatusMultiStatus, w.Code)
}

func TestTriggerSyncStreamsProgress(t *testing.T) {
	r, _ := newServer(t, reconsync.RouterOptions{})

	w := do(r, http.MethodPost, "/api/sync?stream=1", `{"sync_type":"employees"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	var events []reconsync.ProgressEvent
	scanner := bufio.NewScanner(bytes.NewReader(w.Body.Bytes()))
	for scanner.Scan() {
		var ev reconsync.ProgressEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), scanner.Text())
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	assert.Equal(t, reconsync.EventStageStarted, events[0].Type)
	assert.Equal(t, reconsync.EventStageFinished, events[1].Type)
	assert.Equal(t, 3, events[1].Counts["written"])
	assert.Equal(t, reconsync.EventDone, events[2].Type)
	require.NotNil(t, events[2].Result)
	assert.Equal(t, models.SyncRunStatusSuccess, events[2].Result.Status)
}

func TestSyncRunHistoryDetailAndRetry(t *testing.T) {
	r, _ := newServer(t, reconsync.RouterOptions{})
	trigger := do(r, http.MethodPost, "/api/sync", `{"from":"2024-02-01","to":"2024-02-29"}`, nil)
	require.Equal(t, http.StatusOK, trigger.Code)
	var result reconsync.RunResult
	require.NoError(t, json.Unmarshal(trigger.Body.Bytes(), &result))
	runPath := "/api/sync/runs/" + uintString(result.RunId)

	history := do(r, http.MethodGet, "/api/sync/runs?status=success", "", nil)
	require.Equal(t, http.StatusOK, history.Code)
	var list reconsync.SyncHistoryResponse
	require.NoError(t, json.Unmarshal(history.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "2024-02-01", *list.Items[0].RangeFrom)

	detail := do(r, http.MethodGet, runPath, "", nil)
	require.Equal(t, http.StatusOK, detail.Code)
	var d reconsync.SyncRunDetailResponse
	require.NoError(t, json.Unmarshal(detail.Body.Bytes(), &d))
	require.Len(t, d.Errors, 1)
	assert.Equal(t, "H2", d.Errors[0].ExternalId)
	var stages []reconsync.StageResult
	require.NoError(t, json.Unmarshal(d.Stages, &stages))
	assert.Len(t, stages, 6)

	retry := do(r, http.MethodPost, runPath+"/retry", "", nil)
	require.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
	var retried reconsync.RunResult
	require.NoError(t, json.Unmarshal(retry.Body.Bytes(), &retried))
	assert.NotEqual(t, result.RunId, retried.RunId)

	missing := do(r, http.MethodGet, "/api/sync/runs/9999", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	badId := do(r, http.MethodGet, "/api/sync/runs/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, badId.Code)
}

func TestRetryRefusesActiveRun(t *testing.T) {
	r, o := newServer(t, reconsync.RouterOptions{})
	run, err := o.NewSyncRun(t.Context(), reconsync.RunRequest{SyncType: reconsync.SyncTypeAlerts}, nil)
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/api/sync/runs/"+uintString(run.ID)+"/retry", "", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStatusReportsBacklog(t *testing.T) {
	r, o := newServer(t, reconsync.RouterOptions{})
	empty := do(r, http.MethodGet, "/api/sync/status", "", nil)
	require.Equal(t, http.StatusOK, empty.Code)
	assert.JSONEq(t, `{"lastRun":null,"pendingSuggestions":0,"openAlerts":0}`, empty.Body.String())

	seedSuggestion(t, o.DB)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/sync", `{"from":"2024-02-01","to":"2024-02-29"}`, nil).Code)

	w := do(r, http.MethodGet, "/api/sync/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status reconsync.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.NotNil(t, status.LastRun)
	assert.Equal(t, models.SyncRunStatusSuccess, status.LastRun.Status)
	assert.Equal(t, int64(1), status.PendingSuggestions)
	assert.Positive(t, status.OpenAlerts)
}

// seedSuggestion stores one pending suggestion for an unlinked entry.
func seedSuggestion(t *testing.T, db *gorm.DB) models.MappingSuggestion {
	t.Helper()
	project := utils.DeriveID(utils.IDKindProject, "S1")
	task := utils.DeriveID(utils.IDKindTask, project, "1")
	entry := utils.DeriveID(utils.IDKindHourEntry, "SH1")
	require.NoError(t, db.Create(&models.Project{ID: project, ExternalId: "S1", Name: "Survey Job", IsActive: true}).Error)
	require.NoError(t, db.Create(&models.Task{ID: task, ProjectId: project, SourceRef: "1", Name: "Survey", IsActive: true}).Error)
	require.NoError(t, db.Create(&models.HourEntry{ID: entry, ExternalId: "SH1", ProjectId: project, ChargeCode: "site survey", Hours: decimal.NewFromInt(1)}).Error)
	s := models.MappingSuggestion{
		ID: uuid.NewString(), ProjectId: project, HourEntryId: entry, TaskId: task,
		Confidence: 0.7, Status: models.SuggestionStatusPending, Reasoning: "task name appears in charge code",
	}
	require.NoError(t, db.Create(&s).Error)
	return s
}

func TestApplySuggestionOnce(t *testing.T) {
	r, o := newServer(t, reconsync.RouterOptions{})
	s := seedSuggestion(t, o.DB)
	actor := map[string]string{"X-Actor": "reviewer@example.com"}

	first := do(r, http.MethodPost, "/api/suggestions/"+s.ID+"/apply", "", actor)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := do(r, http.MethodPost, "/api/suggestions/"+s.ID+"/dismiss", "", actor)
	assert.Equal(t, http.StatusConflict, second.Code)

	var entry models.HourEntry
	require.NoError(t, o.DB.First(&entry, "id = ?", s.HourEntryId).Error)
	require.NotNil(t, entry.TaskId)
	assert.Equal(t, s.TaskId, *entry.TaskId)
	assert.Equal(t, "reviewer@example.com", entry.LinkedBy)

	list := do(r, http.MethodGet, "/api/suggestions?status=applied", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), s.ID)

	missing := do(r, http.MethodPost, "/api/suggestions/"+uuid.NewString()+"/apply", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestApplySuggestionForRetiredTask(t *testing.T) {
	r, o := newServer(t, reconsync.RouterOptions{})
	s := seedSuggestion(t, o.DB)
	require.NoError(t, o.DB.Model(&models.Task{}).Where("id = ?", s.TaskId).Update("is_active", false).Error)

	w := do(r, http.MethodPost, "/api/suggestions/"+s.ID+"/apply", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	var entry models.HourEntry
	require.NoError(t, o.DB.First(&entry, "id = ?", s.HourEntryId).Error)
	assert.Nil(t, entry.TaskId)
}

func TestAlertLifecycle(t *testing.T) {
	r, o := newServer(t, reconsync.RouterOptions{})
	event := models.AlertEvent{
		ID: uuid.NewString(), EventType: "task_over_budget", Severity: models.AlertSeverityWarning,
		DedupeKey: "task_over_budget:t1", Status: models.AlertStatusOpen, EntityType: "task", EntityId: "t1",
	}
	require.NoError(t, o.DB.Create(&event).Error)
	path := "/api/alerts/" + event.ID

	ack := do(r, http.MethodPost, path+"/acknowledge", "", map[string]string{"X-Actor": "pm"})
	require.Equal(t, http.StatusOK, ack.Code)
	var acked models.AlertEvent
	require.NoError(t, json.Unmarshal(ack.Body.Bytes(), &acked))
	assert.Equal(t, models.AlertStatusAcknowledged, acked.Status)
	assert.Equal(t, "pm", acked.AcknowledgedBy)

	resolve := do(r, http.MethodPost, path+"/resolve", "", nil)
	require.Equal(t, http.StatusOK, resolve.Code)

	again := do(r, http.MethodPost, path+"/acknowledge", "", nil)
	assert.Equal(t, http.StatusConflict, again.Code)

	open := do(r, http.MethodGet, "/api/alerts?status=open", "", nil)
	require.Equal(t, http.StatusOK, open.Code)
	assert.NotContains(t, open.Body.String(), event.ID)
}

func TestAPITokenGuardsAPI(t *testing.T) {
	r, _ := newServer(t, reconsync.RouterOptions{APIToken: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/sync/status", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/sync/status", "", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/sync/status", "", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/nowhere", "", nil).Code)
}

func pushBody(t *testing.T, messageId string, payload reconsync.SyncPubSubPayload) string {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	var env reconsync.PubSubPushEnvelope
	env.Message.ID = messageId
	env.Message.Data = data
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return string(body)
}

func TestPubSubPushRunsOncePerMessage(t *testing.T) {
	r, o := newServer(t, reconsync.RouterOptions{})
	body := pushBody(t, "msg-1", reconsync.SyncPubSubPayload{SyncType: reconsync.SyncTypeEmployees})

	first := do(r, http.MethodPost, "/pubsub/sync", body, nil)
	second := do(r, http.MethodPost, "/pubsub/sync", body, nil)

	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, http.StatusNoContent, second.Code)
	var runs []models.SyncRun
	require.NoError(t, o.DB.Find(&runs).Error)
	require.Len(t, runs, 1)
	assert.Equal(t, models.SyncTriggeredScheduled, runs[0].TriggeredBy)
	assert.Equal(t, "scheduler", runs[0].Actor)
	assert.Equal(t, models.SyncRunStatusSuccess, runs[0].Status)

	var key models.IdempotencyKey
	require.NoError(t, o.DB.First(&key, "message_id = ?", "msg-1").Error)
	assert.Equal(t, models.IdempotencyStatusSucceeded, key.Status)
	require.NotNil(t, key.SyncRunId)
	assert.Equal(t, runs[0].ID, *key.SyncRunId)
}

func TestPubSubPushExecutesQueuedRun(t *testing.T) {
	r, o := newServer(t, reconsync.RouterOptions{})
	run, err := o.NewSyncRun(t.Context(), reconsync.RunRequest{SyncType: reconsync.SyncTypeAlerts}, nil)
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/pubsub/sync", pushBody(t, "msg-2", reconsync.SyncPubSubPayload{RunId: run.ID}), nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	stored, err := models.GetSyncRun(t.Context(), o.DB, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusSuccess, stored.Status)
}

func TestPubSubPushDropsMalformedMessages(t *testing.T) {
	r, o := newServer(t, reconsync.RouterOptions{})

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodPost, "/pubsub/sync", `not json`, nil).Code)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodPost, "/pubsub/sync", pushBody(t, "", reconsync.SyncPubSubPayload{}), nil).Code)
	var n int64
	require.NoError(t, o.DB.Model(&models.SyncRun{}).Count(&n).Error)
	assert.Zero(t, n)
}
