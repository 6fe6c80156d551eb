package reconsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/metrics"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/utils"
	"gorm.io/gorm"
)

const ndjsonContentType = "application/x-ndjson"

// TriggerSyncHandler starts a run. With async=true and a sync topic configured the run is
// queued for the worker; otherwise it runs in the request, answering with the whole result
// or, when the client accepts NDJSON, streaming progress events one per line.
func TriggerSyncHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
				return
			}
		}
		runReq, err := req.toRunRequest()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		runReq.TriggeredBy = models.SyncTriggeredManual

		ctx := c.Request.Context()
		run, err := o.NewSyncRun(ctx, runReq, nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		dispatch(c, o, run, req.Async)
	}
}

// dispatch hands a queued run to the worker topic, or executes it in the request.
func dispatch(c *gin.Context, o *Orchestrator, run *models.SyncRun, async bool) {
	ctx := c.Request.Context()
	if async && o.Settings.SyncTopic != "" && config.PubSubConfigured() {
		if err := PublishSyncRun(ctx, o.Settings.SyncTopic, run.ID); err != nil {
			config.LogError(o.logger(), "reconsync", "dispatch", "publish sync run", run.ID, err)
			c.JSON(http.StatusBadGateway, gin.H{"id": run.ID, "error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": run.ID, "status": models.SyncRunStatusQueued})
		return
	}

	if wantsStream(c) {
		c.Header("Content-Type", ndjsonContentType)
		c.Status(http.StatusOK)
		enc := json.NewEncoder(c.Writer)
		progress := func(ev ProgressEvent) {
			_ = enc.Encode(ev)
			c.Writer.Flush()
		}
		if _, err := o.Execute(ctx, run, progress); err != nil {
			_ = enc.Encode(ProgressEvent{Type: EventDone, Status: models.SyncRunStatusFailed, Message: err.Error()})
			c.Writer.Flush()
		}
		return
	}

	result, err := o.Execute(ctx, run, nil)
	if err != nil && result == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"id": run.ID, "error": err.Error()})
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}

func wantsStream(c *gin.Context) bool {
	if strings.Contains(c.GetHeader("Accept"), ndjsonContentType) {
		return true
	}
	v := strings.ToLower(strings.TrimSpace(c.Query("stream")))
	return v == "1" || v == "true"
}

func (r TriggerRequest) toRunRequest() (RunRequest, error) {
	out := RunRequest{SyncType: r.SyncType}
	if out.SyncType == "" {
		out.SyncType = SyncTypeFull
	}
	if _, ok := StagesFor(out.SyncType); !ok {
		return out, errors.New("unknown sync_type")
	}
	var err error
	if out.From, err = parseDay(r.From); err != nil {
		return out, errors.New("from must be YYYY-MM-DD")
	}
	if out.To, err = parseDay(r.To); err != nil {
		return out, errors.New("to must be YYYY-MM-DD")
	}
	if out.From != nil && out.To != nil && out.To.Before(*out.From) {
		return out, errors.New("to is before from")
	}
	return out, nil
}

func parseDay(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func SyncHistoryHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var f models.SyncRunFilter
		if err := c.ShouldBindQuery(&f); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		runs, err := models.ListSyncRuns(c.Request.Context(), o.DB, f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(*run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		ctx := c.Request.Context()
		run, err := models.GetSyncRun(ctx, o.DB, uint(id))
		if err != nil {
			respondLookupError(c, err)
			return
		}
		errs, err := models.ListSyncErrors(ctx, o.DB, run.ID, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Stages:          rawOrNull(run.StagesJSON),
			Logs:            rawOrNull(run.LogsJSON),
			Errors:          mapErrors(errs),
		})
	}
}

// RetrySyncRunHandler queues a new run with the same type and range as a finished one.
func RetrySyncRunHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		ctx := c.Request.Context()
		prev, err := models.GetSyncRun(ctx, o.DB, uint(id))
		if err != nil {
			respondLookupError(c, err)
			return
		}
		if prev.Status == models.SyncRunStatusQueued || prev.Status == models.SyncRunStatusRunning {
			c.JSON(http.StatusConflict, gin.H{"error": "run is still " + prev.Status})
			return
		}
		run, err := o.NewSyncRun(ctx, RunRequest{
			SyncType:    prev.SyncType,
			From:        prev.RangeFrom,
			To:          prev.RangeTo,
			TriggeredBy: models.SyncTriggeredRetry,
		}, &prev.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		dispatch(c, o, run, c.Query("async") != "false")
	}
}

// StatusHandler reports the newest run (from the cache when present) and the review backlog.
func StatusHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var resp StatusResponse

		var cached SyncRunResponse
		exists, err := config.GetRedisObject(ctx, lastRunCacheKey, &cached)
		if err != nil {
			config.LogError(o.logger(), "reconsync", "StatusHandler", "read last run cache", nil, err)
		}
		if exists {
			resp.LastRun = &cached
		} else {
			latest, err := models.LatestSyncRun(ctx, o.DB)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if latest != nil {
				r := mapRunToResponse(*latest)
				resp.LastRun = &r
			}
		}

		if err := o.DB.WithContext(ctx).Model(&models.MappingSuggestion{}).
			Where("status = ?", models.SuggestionStatusPending).Count(&resp.PendingSuggestions).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := o.DB.WithContext(ctx).Model(&models.AlertEvent{}).
			Where("status = ?", models.AlertStatusOpen).Count(&resp.OpenAlerts).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func ListSuggestionsHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var f models.SuggestionFilter
		if err := c.ShouldBindQuery(&f); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		items, err := models.ListSuggestions(c.Request.Context(), o.DB, f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// ApplySuggestionHandler and DismissSuggestionHandler resolve a pending suggestion. The
// loser of a concurrent resolution gets 409.
func ApplySuggestionHandler(o *Orchestrator) gin.HandlerFunc {
	return suggestionHandler(o, "apply", models.ApplySuggestion)
}

func DismissSuggestionHandler(o *Orchestrator) gin.HandlerFunc {
	return suggestionHandler(o, "dismiss", models.DismissSuggestion)
}

type suggestionAction func(ctx context.Context, db *gorm.DB, id string, actor string) (*models.MappingSuggestion, error)

func suggestionHandler(o *Orchestrator, action string, fn suggestionAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		s, err := fn(ctx, o.DB, c.Param("id"), utils.GetActorFromContext(ctx))
		switch {
		case err == nil:
			metrics.IncSuggestion(action, "ok")
			c.JSON(http.StatusOK, s)
		case errors.Is(err, models.ErrAlreadyResolved):
			metrics.IncSuggestion(action, "conflict")
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, models.ErrTaskNotLinkable):
			metrics.IncSuggestion(action, "invalid_task")
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, utils.ErrorRecordNotFound):
			metrics.IncSuggestion(action, "not_found")
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		default:
			metrics.IncSuggestion(action, "error")
			config.LogError(o.logger(), "reconsync", "suggestionHandler", action, c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func ListAlertsHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var f models.AlertFilter
		if err := c.ShouldBindQuery(&f); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		items, err := models.ListAlerts(c.Request.Context(), o.DB, f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func AcknowledgeAlertHandler(o *Orchestrator) gin.HandlerFunc {
	return alertHandler(o, models.AcknowledgeAlert)
}

func ResolveAlertHandler(o *Orchestrator) gin.HandlerFunc {
	return alertHandler(o, models.ResolveAlert)
}

type alertAction func(ctx context.Context, db *gorm.DB, id string, actor string, now time.Time) (*models.AlertEvent, error)

func alertHandler(o *Orchestrator, fn alertAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		event, err := fn(ctx, o.DB, c.Param("id"), utils.GetActorFromContext(ctx), o.now())
		switch {
		case err == nil:
			c.JSON(http.StatusOK, event)
		case errors.Is(err, models.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "alert": event})
		case errors.Is(err, utils.ErrorRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func formatDay(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format("2006-01-02")
	return &s
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		SyncType:      run.SyncType,
		Status:        run.Status,
		Source:        run.Source,
		RangeFrom:     formatDay(run.RangeFrom),
		RangeTo:       formatDay(run.RangeTo),
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
		Actor:         run.Actor,
		ParentRunId:   run.ParentRunId,
	}
}

func mapErrors(errorsList []*models.SyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			Stage:      errItem.Stage,
			EntityType: errItem.EntityType,
			ExternalId: errItem.ExternalId,
			ErrorCode:  errItem.ErrorCode,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
