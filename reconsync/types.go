package reconsync

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/hours_backend/utils"
)

const (
	StageEmployees = "employees"
	StageProjects  = "projects"
	StageHours     = "hours"
	StageMatching  = "matching"
	StageRollups   = "rollups"
	StageAlerts    = "alerts"
)

// stageOrder is the fixed execution order.
var stageOrder = []string{StageEmployees, StageProjects, StageHours, StageMatching, StageRollups, StageAlerts}

// stageRequires lists, per stage, the stages whose failure in the same run makes its input
// unusable. A required stage that was not selected counts as satisfied by persisted state.
var stageRequires = map[string][]string{
	StageMatching: {StageProjects, StageHours},
	StageRollups:  {StageHours},
}

const (
	StageStatusSuccess = "success"
	StageStatusPartial = "partial"
	StageStatusFailed  = "failed"
	StageStatusSkipped = "skipped"
)

const (
	SyncTypeFull      = "full"
	SyncTypeEmployees = "employees"
	SyncTypeProjects  = "projects"
	SyncTypeHours     = "hours"
	SyncTypeMatching  = "matching"
	SyncTypeAlerts    = "alerts"
)

var syncTypeStages = map[string][]string{
	SyncTypeFull:      stageOrder,
	SyncTypeEmployees: {StageEmployees},
	SyncTypeProjects:  {StageProjects},
	SyncTypeHours:     {StageHours, StageMatching, StageRollups},
	SyncTypeMatching:  {StageMatching, StageRollups},
	SyncTypeAlerts:    {StageAlerts},
}

// StagesFor returns the stages a sync type runs, in execution order.
func StagesFor(syncType string) ([]string, bool) {
	if syncType == "" {
		syncType = SyncTypeFull
	}
	stages, ok := syncTypeStages[syncType]
	return stages, ok
}

// RunRequest selects what one run does.
type RunRequest struct {
	SyncType    string
	From        *time.Time
	To          *time.Time
	TriggeredBy string
	Actor       string
	RunId       *uint
}

// StageError is a stage-level or row-level failure. Row-level entries never fail a stage.
type StageError struct {
	Kind      utils.ErrorKind `json:"kind"`
	Code      string          `json:"code"`
	Entity    string          `json:"entity,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
	RowLevel  bool            `json:"row_level"`
}

type StageResult struct {
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	Counts     map[string]int `json:"counts"`
	Warnings   []string       `json:"warnings,omitempty"`
	Errors     []StageError   `json:"errors,omitempty"`
	Detail     any            `json:"detail,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

type RunResult struct {
	RunId         uint          `json:"run_id,omitempty"`
	SyncType      string        `json:"sync_type"`
	Source        string        `json:"source,omitempty"`
	Success       bool          `json:"success"`
	Status        string        `json:"status"`
	Error         string        `json:"error,omitempty"`
	From          string        `json:"from,omitempty"`
	To            string        `json:"to,omitempty"`
	Stages        []StageResult `json:"stages"`
	Logs          []string      `json:"logs"`
	RecordsSynced int           `json:"records_synced"`
	ErrorCount    int           `json:"error_count"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	DurationMs    int64         `json:"duration_ms"`
}

// Stage returns the result of name, or nil when the stage was not part of the run.
func (r *RunResult) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

const (
	EventStageStarted  = "stage_started"
	EventStageFinished = "stage_finished"
	EventWindow        = "window"
	EventDone          = "done"
)

// ProgressEvent is streamed to the caller while a run executes, one per line in NDJSON mode.
type ProgressEvent struct {
	Type    string         `json:"type"`
	Stage   string         `json:"stage,omitempty"`
	Status  string         `json:"status,omitempty"`
	Window  string         `json:"window,omitempty"`
	Counts  map[string]int `json:"counts,omitempty"`
	Message string         `json:"message,omitempty"`
	Result  *RunResult     `json:"result,omitempty"`
}

// TriggerRequest is the body of POST /api/sync. Dates are YYYY-MM-DD.
type TriggerRequest struct {
	SyncType string `json:"sync_type" binding:"omitempty,oneof=full employees projects hours matching alerts"`
	From     string `json:"from" binding:"omitempty,datetime=2006-01-02"`
	To       string `json:"to" binding:"omitempty,datetime=2006-01-02"`
	Async    bool   `json:"async"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	SyncType      string  `json:"syncType"`
	Status        string  `json:"status"`
	Source        string  `json:"source"`
	RangeFrom     *string `json:"rangeFrom"`
	RangeTo       *string `json:"rangeTo"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
	Actor         string  `json:"actor"`
	ParentRunId   *uint   `json:"parentRunId"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Stages json.RawMessage     `json:"stages"`
	Logs   json.RawMessage     `json:"logs"`
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	Stage      string `json:"stage"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type StatusResponse struct {
	LastRun            *SyncRunResponse `json:"lastRun"`
	PendingSuggestions int64            `json:"pendingSuggestions"`
	OpenAlerts         int64            `json:"openAlerts"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// SyncPubSubPayload either points at a queued run or, from a scheduler, asks for a new one.
type SyncPubSubPayload struct {
	RunId    uint   `json:"run_id"`
	SyncType string `json:"sync_type"`
	From     string `json:"from"`
	To       string `json:"to"`
}
