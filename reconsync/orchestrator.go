// Package reconsync runs reconciliation: it pulls upstream records, normalizes and writes
// them, links hours to tasks, refreshes rollups and raises alerts, and serves the HTTP
// surface for triggering runs and reviewing their output.
package reconsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/hours_backend/alerting"
	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/matching"
	"github.com/mmdatafocus/hours_backend/metrics"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/normalizer"
	"github.com/mmdatafocus/hours_backend/upstream"
	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("reconsync")

// maxWarnings caps the warning lines kept per stage; the counters keep the full totals.
const maxWarnings = 100

// SourceFactory opens the upstream source for one run.
type SourceFactory func(ctx context.Context, s config.SyncSettings) (upstream.Source, error)

type Orchestrator struct {
	DB         *gorm.DB
	Settings   config.SyncSettings
	OpenSource SourceFactory
	Scanner    alerting.Scanner
	Logger     *logrus.Logger
	Now        func() time.Time
}

func NewOrchestrator(db *gorm.DB, settings config.SyncSettings) *Orchestrator {
	o := &Orchestrator{
		DB:         db,
		Settings:   settings,
		OpenSource: upstream.NewSource,
		Logger:     config.GetLogger(),
		Scanner: alerting.Scanner{
			Window: settings.SuppressionWindow,
			Locker: config.GetRedisLock(),
		},
	}
	if settings.AlertTopic != "" && config.PubSubConfigured() {
		if n, err := alerting.NewPubSubNotifier(settings.AlertTopic); err == nil {
			o.Scanner.Notifier = n
		}
	}
	return o
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return config.GetLogger()
}

// runState is what one run shares between its stages.
type runState struct {
	req      RunRequest
	src      upstream.Source
	from, to time.Time
	snapshot *models.Snapshot
	results  map[string]*StageResult
	progress func(ProgressEvent)
	log      *logrus.Entry
}

// loadSnapshot reads reference data the first time a stage needs it. Stages that run
// before that point (employees, projects) are therefore visible to every later stage.
func (rs *runState) loadSnapshot(ctx context.Context, db *gorm.DB) (*models.Snapshot, error) {
	if rs.snapshot != nil {
		return rs.snapshot, nil
	}
	s, err := models.LoadSnapshot(ctx, db)
	if err != nil {
		return nil, utils.NewSyncError(utils.ErrorKindWrite, "snapshot", "", err)
	}
	rs.snapshot = s
	return s, nil
}

func (rs *runState) emit(ev ProgressEvent) {
	if rs.progress != nil {
		rs.progress(ev)
	}
}

// Run executes the stages selected by req in their fixed order and never returns early on
// a stage failure: independent later stages still run, dependent ones are skipped. Only a
// configuration problem stops the run before the first write.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, progress func(ProgressEvent)) *RunResult {
	started := o.now()
	if req.SyncType == "" {
		req.SyncType = SyncTypeFull
	}
	result := &RunResult{SyncType: req.SyncType, StartedAt: started, Stages: []StageResult{}, Logs: []string{}}
	if req.RunId != nil {
		result.RunId = *req.RunId
	}
	fields := logrus.Fields{"sync_type": req.SyncType}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = cid
	}
	if req.RunId != nil {
		fields["run_id"] = *req.RunId
	}
	rs := &runState{req: req, results: map[string]*StageResult{}, progress: progress, log: o.logger().WithFields(fields)}

	ctx, span := tracer.Start(ctx, "reconcile.run", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("sync_type", req.SyncType))

	if o.Settings.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Settings.RunTimeout)
		defer cancel()
	}

	stages, err := o.prepare(ctx, rs)
	if err != nil {
		result.Error = err.Error()
		result.ErrorCount = 1
		result.Logs = append(result.Logs, "run aborted: "+err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "configuration")
		config.LogError(o.logger(), "reconsync", "Run", "prepare run", req.SyncType, err)
		return o.finish(result, rs)
	}
	if rs.src != nil {
		result.Source = rs.src.Name()
	}
	if !rs.from.IsZero() {
		result.From = rs.from.Format("2006-01-02")
		result.To = rs.to.Format("2006-01-02")
	}

	for _, stage := range stages {
		sr := o.runStage(ctx, rs, stage)
		result.Stages = append(result.Stages, *sr)
		result.Logs = append(result.Logs, stageLogLine(sr))
	}
	out := o.finish(result, rs)
	if !out.Success {
		span.SetStatus(codes.Error, out.Status)
	}
	return out
}

// prepare validates the request and opens the source. Every error here is a configuration
// error: nothing has been written yet.
func (o *Orchestrator) prepare(ctx context.Context, rs *runState) ([]string, error) {
	stages, ok := StagesFor(rs.req.SyncType)
	if !ok {
		return nil, utils.SyncErrorf(utils.ErrorKindConfiguration, "run", "unknown sync type %q", rs.req.SyncType)
	}
	if o.DB == nil {
		return nil, utils.SyncErrorf(utils.ErrorKindConfiguration, "run", "datastore is not connected")
	}

	today := utils.DateOnly(o.now())
	rs.to = today
	if rs.req.To != nil {
		rs.to = utils.DateOnly(*rs.req.To)
	}
	lookback := o.Settings.LookbackDays
	if lookback <= 0 {
		lookback = config.DefaultSyncSettings().LookbackDays
	}
	rs.from = rs.to.AddDate(0, 0, -(lookback - 1))
	if rs.req.From != nil {
		rs.from = utils.DateOnly(*rs.req.From)
	}
	if rs.to.Before(rs.from) {
		return nil, utils.SyncErrorf(utils.ErrorKindConfiguration, "run", "range end %s is before start %s",
			rs.to.Format("2006-01-02"), rs.from.Format("2006-01-02"))
	}

	if needsSource(stages) {
		if o.OpenSource == nil {
			return nil, utils.SyncErrorf(utils.ErrorKindConfiguration, "run", "no record source configured")
		}
		src, err := o.OpenSource(ctx, o.Settings)
		if err != nil {
			if utils.KindOf(err) == "" {
				err = utils.NewSyncError(utils.ErrorKindConfiguration, "source", o.Settings.SourceKind, err)
			}
			return nil, err
		}
		rs.src = src
	}
	return stages, nil
}

func needsSource(stages []string) bool {
	for _, s := range stages {
		if s == StageEmployees || s == StageProjects || s == StageHours {
			return true
		}
	}
	return false
}

func (o *Orchestrator) runStage(ctx context.Context, rs *runState, stage string) *StageResult {
	sr := &StageResult{Stage: stage, Status: StageStatusSuccess, Counts: map[string]int{}}
	rs.results[stage] = sr

	for _, dep := range stageRequires[stage] {
		if r, ran := rs.results[dep]; ran && r.Status == StageStatusFailed {
			sr.Status = StageStatusSkipped
			sr.Warnings = append(sr.Warnings, fmt.Sprintf("skipped: %s stage failed", dep))
			rs.log.WithFields(logrus.Fields{"stage": stage, "requires": dep}).Warn("stage skipped")
			rs.emit(ProgressEvent{Type: EventStageFinished, Stage: stage, Status: sr.Status})
			return sr
		}
	}

	ctx, span := tracer.Start(ctx, "reconcile."+stage, trace.WithAttributes(attribute.String("stage", stage)))
	defer span.End()
	rs.emit(ProgressEvent{Type: EventStageStarted, Stage: stage})
	start := time.Now()

	if err := ctx.Err(); err != nil {
		sr.fail(utils.NewSyncError(utils.ErrorKindUpstreamFetch, stage, "", err))
	} else {
		switch stage {
		case StageEmployees:
			o.syncEmployees(ctx, rs, sr)
		case StageProjects:
			o.syncProjects(ctx, rs, sr)
		case StageHours:
			o.syncHours(ctx, rs, sr)
		case StageMatching:
			o.runMatching(ctx, rs, sr)
		case StageRollups:
			o.runRollups(ctx, rs, sr)
		case StageAlerts:
			o.runAlerts(ctx, rs, sr)
		}
	}

	elapsed := time.Since(start)
	sr.DurationMs = elapsed.Milliseconds()
	metrics.ObserveStage(stage, sr.Status, elapsed)
	for bucket, n := range sr.Counts {
		metrics.AddStageRows(stage, bucket, n)
	}
	span.SetAttributes(attribute.String("status", sr.Status), attribute.Int("errors", len(sr.Errors)))
	if sr.Status == StageStatusFailed {
		span.SetStatus(codes.Error, "stage failed")
	}

	entry := rs.log.WithFields(logrus.Fields{"stage": stage, "status": sr.Status, "duration_ms": sr.DurationMs, "counts": sr.Counts})
	if sr.Status == StageStatusFailed {
		entry.Error("stage finished")
	} else {
		entry.Info("stage finished")
	}
	rs.emit(ProgressEvent{Type: EventStageFinished, Stage: stage, Status: sr.Status, Counts: sr.Counts})
	return sr
}

// fail records a stage-level error and marks the stage failed.
func (sr *StageResult) fail(err error) {
	kind := utils.KindOf(err)
	if kind == "" {
		kind = utils.ErrorKindWrite
	}
	ref := ""
	var se *utils.SyncError
	if errors.As(err, &se) {
		ref = se.Ref
	}
	sr.Status = StageStatusFailed
	sr.Errors = append(sr.Errors, StageError{
		Kind:      kind,
		Code:      string(kind),
		Entity:    sr.Stage,
		Ref:       ref,
		Message:   err.Error(),
		Retryable: kind.Retryable(),
	})
}

// degrade marks a still-successful stage partial.
func (sr *StageResult) degrade() {
	if sr.Status == StageStatusSuccess {
		sr.Status = StageStatusPartial
	}
}

func (sr *StageResult) warn(format string, args ...any) {
	if len(sr.Warnings) < maxWarnings {
		sr.Warnings = append(sr.Warnings, fmt.Sprintf(format, args...))
	}
}

// absorb merges a normalizer tally: counters under prefix, dropped rows as row-level
// errors, the rest as warnings. Every dropped row is logged once.
func (sr *StageResult) absorb(rs *runState, entity string, prefix string, t normalizer.Tally) {
	for bucket, n := range t.Counts {
		sr.Counts[prefix+bucket] += n
	}
	sr.Counts[prefix+"dropped"] += t.Dropped
	for _, is := range t.Issues {
		if !is.Dropped {
			sr.warn("%s row %d (%s): %s", entity, is.Row, is.Code, is.Message)
			continue
		}
		sr.Errors = append(sr.Errors, StageError{
			Kind:      is.Kind,
			Code:      is.Code,
			Entity:    entity,
			Ref:       is.ExternalId,
			Message:   fmt.Sprintf("row %d: %s", is.Row, is.Message),
			Retryable: is.Kind.Retryable(),
			RowLevel:  true,
		})
		rs.log.WithFields(logrus.Fields{
			"stage":       sr.Stage,
			"bucket":      is.Code,
			"row":         is.Row,
			"external_id": is.ExternalId,
		}).Warn("row dropped")
	}
}

// write merges a batch writer result and reports whether the stage may go on.
func (sr *StageResult) write(prefix string, wr models.WriteResult) bool {
	sr.Counts[prefix+"written"] += wr.Written
	if wr.Err != nil {
		sr.fail(wr.Err)
		return false
	}
	return true
}

func (o *Orchestrator) writeOptions(preserve []string) models.WriteOptions {
	return models.WriteOptions{BatchSize: o.Settings.BatchSize, Workers: o.Settings.Workers, PreserveColumns: preserve}
}

func (o *Orchestrator) normalizeOptions(snapshot *models.Snapshot) normalizer.Options {
	return normalizer.Options{Now: o.now(), Snapshot: snapshot, CountryCode: o.Settings.CountryCode}
}

func (o *Orchestrator) syncEmployees(ctx context.Context, rs *runState, sr *StageResult) {
	records, err := rs.src.Employees(ctx)
	if err != nil {
		sr.fail(err)
		return
	}
	res := normalizer.NormalizeEmployees(records, o.normalizeOptions(nil))
	sr.absorb(rs, "employee", "", res.Tally)
	sr.write("", models.UpsertEntities(ctx, o.DB, "employees", res.Items, o.writeOptions(nil)))
}

// syncProjects writes projects, then the project plans beneath them. Plan rows are checked
// against the snapshot taken after the project write.
func (o *Orchestrator) syncProjects(ctx context.Context, rs *runState, sr *StageResult) {
	records, err := rs.src.Projects(ctx)
	if err != nil {
		sr.fail(err)
		return
	}
	res := normalizer.NormalizeProjects(records, o.normalizeOptions(nil))
	sr.absorb(rs, "project", "", res.Tally)
	if !sr.write("", models.UpsertEntities(ctx, o.DB, "projects", res.Items, o.writeOptions(models.ProjectRollupColumns))) {
		return
	}

	snapshot, err := rs.loadSnapshot(ctx, o.DB)
	if err != nil {
		sr.fail(err)
		return
	}
	plan, err := rs.src.Hierarchy(ctx)
	if err != nil {
		sr.fail(err)
		return
	}
	if len(plan) == 0 {
		return
	}
	h := normalizer.NormalizeHierarchy(plan, o.normalizeOptions(snapshot))
	sr.absorb(rs, "plan", "plan_", h.Tally)
	sr.Detail = h.Coverage
	for _, d := range h.Issues {
		if d.Code == normalizer.BucketDanglingDependency {
			sr.degrade()
			break
		}
	}

	opts := o.writeOptions(models.TaskRollupColumns)
	if !sr.write("plan_phases_", models.UpsertEntities(ctx, o.DB, "phases", h.Phases, opts)) {
		return
	}
	if !sr.write("plan_tasks_", models.UpsertEntities(ctx, o.DB, "tasks", h.Tasks, opts)) {
		return
	}
	sr.write("plan_dependencies_", models.UpsertEntities(ctx, o.DB, "task_dependencies", h.Dependencies, o.writeOptions(nil)))
}

// syncHours pulls hour entries one window at a time so only one window is held in memory.
// A failed window is recorded and the next one is tried; a rejected write stops the stage.
func (o *Orchestrator) syncHours(ctx context.Context, rs *runState, sr *StageResult) {
	snapshot, err := rs.loadSnapshot(ctx, o.DB)
	if err != nil {
		sr.fail(err)
		return
	}
	days := o.Settings.WindowDays
	if days <= 0 {
		days = config.DefaultSyncSettings().WindowDays
	}
	windows := upstream.SplitWindows(rs.from, rs.to, days)
	sr.Counts["windows"] = len(windows)
	failed := 0

	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			sr.fail(utils.NewSyncError(utils.ErrorKindUpstreamFetch, StageHours, w.String(), err))
			return
		}
		records, err := rs.src.Hours(ctx, w)
		if err != nil && utils.IsKind(err, utils.ErrorKindParse) {
			metrics.IncUpstreamWindow("parse_failed")
			config.LogError(o.logger(), "reconsync", "syncHours", "decode window", w.String(), err)
			rs.emit(ProgressEvent{Type: EventWindow, Stage: StageHours, Window: w.String(), Status: StageStatusFailed, Message: err.Error()})
			sr.fail(err)
			return
		}
		if err != nil {
			failed++
			sr.Counts["windows_failed"]++
			metrics.IncUpstreamWindow("failed")
			kind := utils.KindOf(err)
			if kind == "" {
				kind = utils.ErrorKindUpstreamFetch
			}
			sr.Errors = append(sr.Errors, StageError{
				Kind:      kind,
				Code:      "window_failed",
				Entity:    "hour_entry",
				Ref:       w.String(),
				Message:   err.Error(),
				Retryable: kind.Retryable(),
			})
			config.LogError(o.logger(), "reconsync", "syncHours", "fetch window", w.String(), err)
			rs.emit(ProgressEvent{Type: EventWindow, Stage: StageHours, Window: w.String(), Status: StageStatusFailed, Message: err.Error()})
			continue
		}

		res := normalizer.NormalizeHourEntries(records, o.normalizeOptions(snapshot))
		sr.absorb(rs, "hour_entry", "", res.Tally)
		wr := models.UpsertEntities(ctx, o.DB, "hour_entries", res.Items, o.writeOptions(models.HourEntryLinkColumns))
		if !sr.write("", wr) {
			metrics.IncUpstreamWindow("write_failed")
			rs.emit(ProgressEvent{Type: EventWindow, Stage: StageHours, Window: w.String(), Status: StageStatusFailed, Message: wr.Err.Error()})
			return
		}
		metrics.IncUpstreamWindow("ok")
		sr.Counts["windows_ok"]++
		rs.emit(ProgressEvent{Type: EventWindow, Stage: StageHours, Window: w.String(), Status: StageStatusSuccess, Counts: map[string]int{
			"received": len(records),
			"written":  wr.Written,
			"dropped":  res.Dropped,
		}})
	}

	switch {
	case len(windows) > 0 && failed == len(windows):
		sr.Status = StageStatusFailed
	case failed > 0:
		sr.degrade()
	}
}

func (o *Orchestrator) runMatching(ctx context.Context, rs *runState, sr *StageResult) {
	snapshot, err := rs.loadSnapshot(ctx, o.DB)
	if err != nil {
		sr.fail(err)
		return
	}
	engine := matching.Engine{
		SuggestMinConfidence: o.Settings.SuggestMinConfidence,
		RunId:                rs.req.RunId,
		Now:                  o.now,
		Logger:               o.logger(),
	}
	report, err := engine.Run(ctx, o.DB, snapshot, nil)
	sr.Detail = report
	sr.Counts["projects"] = report.Projects
	sr.Counts["valid_tasks"] = report.ValidTasks
	sr.Counts["scanned"] = report.Scanned
	sr.Counts["matched"] = report.Matched
	sr.Counts["auto_linked"] = report.AutoLinked
	sr.Counts["invalid_target"] = report.InvalidTarget
	sr.Counts["near_misses"] = report.NearMisses
	sr.Counts["suggested"] = report.Suggested
	sr.Counts["already_suggested"] = report.AlreadySuggested
	sr.Counts["unmatched"] = report.Unmatched
	sr.Counts["skipped"] = report.Skipped
	sr.Counts["stale_links"] = report.StaleLinks
	if err != nil {
		sr.fail(utils.NewSyncError(utils.ErrorKindWrite, StageMatching, "", err))
		return
	}
	for _, f := range report.Failures {
		sr.Errors = append(sr.Errors, StageError{
			Kind: utils.ErrorKindWrite, Code: "link_failed", Entity: "hour_entry", Ref: f.HourEntryId,
			Message: f.Error, Retryable: true, RowLevel: true,
		})
	}
	if len(report.Failures) > 0 {
		sr.degrade()
	}
	if report.StaleLinks > 0 {
		sr.warn("%d entries are linked to tasks that no longer accept hours", report.StaleLinks)
	}
}

func (o *Orchestrator) runRollups(ctx context.Context, rs *runState, sr *StageResult) {
	snapshot, err := rs.loadSnapshot(ctx, o.DB)
	if err != nil {
		sr.fail(err)
		return
	}
	report, err := matching.RecomputeRollups(ctx, o.DB, snapshot.ProjectIDs(), o.now())
	sr.Counts["tasks_updated"] = report.Tasks
	sr.Counts["phases_updated"] = report.Phases
	sr.Counts["projects_updated"] = report.Projects
	sr.Counts["skipped"] = report.Skipped
	if err != nil {
		sr.fail(utils.NewSyncError(utils.ErrorKindWrite, StageRollups, "", err))
		return
	}
	for _, f := range report.Failures {
		sr.Errors = append(sr.Errors, StageError{
			Kind: utils.ErrorKindWrite, Code: "rollup_failed", Entity: "task", Ref: f.TaskId,
			Message: f.Error, Retryable: true, RowLevel: true,
		})
	}
	if len(report.Failures) > 0 {
		sr.degrade()
	}
}

func (o *Orchestrator) runAlerts(ctx context.Context, rs *runState, sr *StageResult) {
	scanner := o.Scanner
	if scanner.Now == nil {
		scanner.Now = o.now
	}
	if scanner.Logger == nil {
		scanner.Logger = o.logger()
	}
	report, err := scanner.Scan(ctx, o.DB)
	sr.Detail = report
	sr.Counts["findings"] = report.Findings
	sr.Counts["created"] = report.Created
	sr.Counts["suppressed"] = report.Suppressed
	sr.Counts["failed"] = report.Failed
	sr.Counts["notified"] = report.Notified
	sr.Counts["notify_failed"] = report.NotifyFailed
	if err != nil {
		sr.fail(utils.NewSyncError(utils.ErrorKindWrite, StageAlerts, "", err))
		return
	}
	if report.Failed > 0 {
		sr.degrade()
	}
	if report.NotifyFailed > 0 {
		sr.warn("%d alerts were stored but not delivered", report.NotifyFailed)
	}
}

// finish derives the run status: failed when nothing was attempted or every attempted stage
// failed, partial when some stage failed or degraded, success otherwise.
func (o *Orchestrator) finish(result *RunResult, rs *runState) *RunResult {
	result.FinishedAt = o.now()
	result.DurationMs = result.FinishedAt.Sub(result.StartedAt).Milliseconds()

	attempted, failed, degraded := 0, 0, 0
	for _, sr := range result.Stages {
		result.RecordsSynced += writtenCount(sr.Counts)
		result.ErrorCount += len(sr.Errors)
		switch sr.Status {
		case StageStatusFailed:
			attempted++
			failed++
		case StageStatusPartial:
			attempted++
			degraded++
		case StageStatusSuccess:
			attempted++
		}
	}

	switch {
	case result.Error != "" || (attempted > 0 && failed == attempted):
		result.Status = models.SyncRunStatusFailed
	case failed > 0 || degraded > 0:
		result.Status = models.SyncRunStatusPartial
	default:
		result.Status = models.SyncRunStatusSuccess
	}
	result.Success = result.Error == "" && failed == 0

	rs.log.WithFields(logrus.Fields{
		"status":         result.Status,
		"records_synced": result.RecordsSynced,
		"error_count":    result.ErrorCount,
		"duration_ms":    result.DurationMs,
	}).Info("reconciliation run finished")
	rs.emit(ProgressEvent{Type: EventDone, Status: result.Status, Result: result})
	return result
}

func writtenCount(counts map[string]int) int {
	n := 0
	for k, v := range counts {
		if k == "written" || strings.HasSuffix(k, "_written") {
			n += v
		}
	}
	return n
}

// stageLogLine renders one human-readable summary line with counters in stable order.
func stageLogLine(sr *StageResult) string {
	keys := make([]string, 0, len(sr.Counts))
	for k := range sr.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, sr.Counts[k]))
	}
	line := fmt.Sprintf("%s: %s", sr.Stage, sr.Status)
	if len(parts) > 0 {
		line += " (" + strings.Join(parts, ", ") + ")"
	}
	if n := len(sr.Errors); n > 0 {
		line += fmt.Sprintf(", %d errors", n)
	}
	return line
}
