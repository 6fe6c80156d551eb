// Package matching links unassigned hour entries to tasks by free-text containment and keeps
// the derived actuals on tasks, phases and projects in step with those links.
package matching

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	DefaultSuggestMinConfidence = 0.4
	DefaultActor                = "matcher"

	baseConfidence      = 0.6
	phaseBonus          = 0.3
	wholeWordBonus      = 0.1
	phaseMissPenalty    = 0.2
	phasePrefixMinRunes = 3
)

// Engine matches entries against the tasks of their project. The first accepted candidate
// is written to the entry when it is a valid task. An entry with no accepted candidate but
// a valid task whose name occurs without its phase becomes a pending suggestion, provided
// that near miss scores at least SuggestMinConfidence.
type Engine struct {
	SuggestMinConfidence float64
	Actor                string
	RunId                *uint
	Now                  func() time.Time
	Logger               *logrus.Logger
}

type RowFailure struct {
	HourEntryId string `json:"hour_entry_id"`
	TaskId      string `json:"task_id,omitempty"`
	Error       string `json:"error"`
}

type Report struct {
	Projects         int          `json:"projects"`
	ValidTasks       int          `json:"valid_tasks"`
	Scanned          int          `json:"scanned"`
	Matched          int          `json:"matched"`
	AutoLinked       int          `json:"auto_linked"`
	InvalidTarget    int          `json:"invalid_target"`
	NearMisses       int          `json:"near_misses"`
	Suggested        int          `json:"suggested"`
	AlreadySuggested int          `json:"already_suggested"`
	Unmatched        int          `json:"unmatched"`
	Skipped          int          `json:"skipped"`
	StaleLinks       int          `json:"stale_links"`
	Failures         []RowFailure `json:"failures,omitempty"`
}

// Match is the candidate picked for one entry. Accepted is false for a near miss: the
// task name occurs but the task's phase does not.
type Match struct {
	TaskId       string
	TaskName     string
	PhaseName    string
	PhaseMatched bool
	WholeWord    bool
	Accepted     bool
	Confidence   float64
}

// candidate is a task prepared for matching.
type candidate struct {
	taskId    string
	taskName  string
	taskWords string
	phaseName string
	phaseCode string
	phaseSort int
	taskSort  int
	valid     bool
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) actor() string {
	if e.Actor == "" {
		return DefaultActor
	}
	return e.Actor
}

func (e Engine) threshold() float64 {
	if e.SuggestMinConfidence <= 0 {
		return DefaultSuggestMinConfidence
	}
	return e.SuggestMinConfidence
}

func (e Engine) logger() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return config.GetLogger()
}

// Run matches every unassigned entry of projectIDs (all snapshot projects when empty).
// Row failures are logged and counted; only failures to read the inputs return an error.
func (e Engine) Run(ctx context.Context, db *gorm.DB, snapshot *models.Snapshot, projectIDs []string) (Report, error) {
	var report Report
	if len(projectIDs) == 0 {
		projectIDs = snapshot.ProjectIDs()
	}
	report.Projects = len(projectIDs)
	if len(projectIDs) == 0 {
		return report, nil
	}

	candidates, valid, err := loadCandidates(ctx, db, projectIDs)
	if err != nil {
		return report, err
	}
	report.ValidTasks = len(valid)

	stale, err := countStaleLinks(ctx, db, projectIDs, valid)
	if err != nil {
		return report, err
	}
	report.StaleLinks = stale

	existing, err := models.ExistingSuggestionPairs(ctx, db, projectIDs)
	if err != nil {
		return report, err
	}

	log := e.logger()
	for _, projectID := range projectIDs {
		var entries []models.HourEntry
		if err := db.WithContext(ctx).
			Select("id", "project_id", "charge_code", "description").
			Where("project_id = ? AND task_id IS NULL", projectID).
			Order("id").
			Find(&entries).Error; err != nil {
			return report, err
		}

		var pending []models.NewSuggestion
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			m, ok := findMatch(entry.ChargeText(), candidates[projectID])
			if !ok {
				report.Unmatched++
				continue
			}

			if m.Accepted {
				report.Matched++
				if !valid[m.TaskId] {
					report.InvalidTarget++
					report.Skipped++
					log.WithFields(logrus.Fields{"hour_entry_id": entry.ID, "task_id": m.TaskId}).Warn("matched task is not valid; entry left unassigned")
					continue
				}
				linked, err := e.link(ctx, db, entry.ID, m)
				if err != nil {
					report.Skipped++
					report.Failures = append(report.Failures, RowFailure{HourEntryId: entry.ID, TaskId: m.TaskId, Error: err.Error()})
					config.LogError(log, "matching", "Run", "link hour entry", map[string]string{"hour_entry_id": entry.ID, "task_id": m.TaskId}, err)
					continue
				}
				if !linked {
					report.Skipped++
					continue
				}
				report.AutoLinked++
				continue
			}

			report.NearMisses++
			if m.Confidence < e.threshold() {
				report.Unmatched++
				continue
			}
			if existing[models.SuggestionPairKey(entry.ID, m.TaskId)] {
				report.AlreadySuggested++
				continue
			}
			pending = append(pending, models.NewSuggestion{
				ProjectId:   projectID,
				HourEntryId: entry.ID,
				TaskId:      m.TaskId,
				Confidence:  m.Confidence,
				Reasoning:   m.Reasoning(),
			})
		}

		if len(pending) == 0 {
			continue
		}
		inserted, err := models.CreatePendingSuggestions(ctx, db, e.RunId, pending)
		if err != nil {
			report.Skipped += len(pending)
			for _, p := range pending {
				report.Failures = append(report.Failures, RowFailure{HourEntryId: p.HourEntryId, TaskId: p.TaskId, Error: err.Error()})
			}
			config.LogError(log, "matching", "Run", "create suggestions", map[string]any{"project_id": projectID, "count": len(pending)}, err)
			continue
		}
		report.Suggested += inserted
		report.AlreadySuggested += len(pending) - inserted
	}

	log.WithFields(logrus.Fields{
		"projects":    report.Projects,
		"scanned":     report.Scanned,
		"auto_linked": report.AutoLinked,
		"invalid":     report.InvalidTarget,
		"near_misses": report.NearMisses,
		"suggested":   report.Suggested,
		"unmatched":   report.Unmatched,
		"skipped":     report.Skipped,
		"stale_links": report.StaleLinks,
	}).Info("matching finished")
	return report, nil
}

// link sets task_id only while the entry is still unassigned, so a concurrent review
// decision is never overwritten.
func (e Engine) link(ctx context.Context, db *gorm.DB, entryID string, m Match) (bool, error) {
	now := e.now()
	res := db.WithContext(ctx).Model(&models.HourEntry{}).
		Where("id = ? AND task_id IS NULL", entryID).
		Updates(map[string]any{
			"task_id":          m.TaskId,
			"linked_at":        now,
			"linked_by":        e.actor(),
			"match_confidence": m.Confidence,
			"match_reasoning":  m.Reasoning(),
		})
	return res.RowsAffected > 0, res.Error
}

// findMatch returns the first candidate, in enumeration order, whose task name occurs in
// the charge text and whose phase is empty or present in it. There is no longest-match
// preference. Without an accepted candidate it returns the first valid task whose name
// occurs while its phase does not, with Accepted false.
func findMatch(chargeText string, candidates []candidate) (Match, bool) {
	text := strings.ToLower(strings.TrimSpace(chargeText))
	if text == "" {
		return Match{}, false
	}
	tokens := tokenize(text)
	words := " " + strings.Join(tokens, " ") + " "

	var near Match
	found := false
	for _, c := range candidates {
		if c.taskName == "" || !strings.Contains(text, c.taskName) {
			continue
		}
		phaseMatched, ok := phaseAccepts(c, text, tokens)
		m := Match{
			TaskId:       c.taskId,
			TaskName:     c.taskName,
			PhaseName:    c.phaseName,
			PhaseMatched: phaseMatched,
			WholeWord:    c.taskWords != "" && strings.Contains(words, " "+c.taskWords+" "),
			Accepted:     ok,
		}
		m.Confidence = score(m)
		if ok {
			return m, true
		}
		if !found && c.valid {
			near, found = m, true
		}
	}
	return near, found
}

func score(m Match) float64 {
	s := baseConfidence
	switch {
	case !m.Accepted:
		s -= phaseMissPenalty
	case m.PhaseMatched:
		s += phaseBonus
	}
	if m.WholeWord {
		s += wholeWordBonus
	}
	return math.Round(s*100) / 100
}

// phaseAccepts reports (explicitly matched, accepted). An empty phase accepts without
// matching. Otherwise the phase name must occur in the text, its code must be one of the
// text's tokens, or a token of at least three letters must abbreviate the phase name
// ("eng" for "engineering").
func phaseAccepts(c candidate, text string, tokens []string) (bool, bool) {
	if c.phaseName == "" {
		return false, true
	}
	if strings.Contains(text, c.phaseName) {
		return true, true
	}
	for _, tok := range tokens {
		if c.phaseCode != "" && tok == c.phaseCode {
			return true, true
		}
		if len([]rune(tok)) >= phasePrefixMinRunes && strings.HasPrefix(c.phaseName, tok) {
			return true, true
		}
	}
	return false, false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (m Match) Reasoning() string {
	phase := "no phase"
	if m.PhaseName != "" {
		phase = fmt.Sprintf("phase %q", m.PhaseName)
		if m.PhaseMatched {
			phase += " matched"
		}
	}
	word := "substring"
	if m.WholeWord {
		word = "whole word"
	}
	if !m.Accepted {
		phase = fmt.Sprintf("phase %q not found", m.PhaseName)
	}
	return fmt.Sprintf("task %q found in charge text (%s); %s; confidence %.2f", m.TaskName, word, phase, m.Confidence)
}

// loadCandidates returns the non-summary tasks of each project in enumeration order (phase
// sort order, task sort order, id) and the set of valid task ids. A valid task is also
// active; retired tasks stay candidates so a match on one is reported instead of falling
// through to a later task. Tasks without a phase sort before phased ones.
func loadCandidates(ctx context.Context, db *gorm.DB, projectIDs []string) (map[string][]candidate, map[string]bool, error) {
	var phases []models.Phase
	if err := db.WithContext(ctx).
		Select("id", "name", "code", "sort_order").
		Where("project_id IN ?", projectIDs).
		Find(&phases).Error; err != nil {
		return nil, nil, err
	}
	phaseByID := make(map[string]models.Phase, len(phases))
	for _, p := range phases {
		phaseByID[p.ID] = p
	}

	var tasks []models.Task
	if err := db.WithContext(ctx).
		Select("id", "project_id", "phase_id", "name", "sort_order", "is_active").
		Where("project_id IN ? AND is_summary = ?", projectIDs, false).
		Find(&tasks).Error; err != nil {
		return nil, nil, err
	}

	valid := make(map[string]bool, len(tasks))
	out := make(map[string][]candidate, len(projectIDs))
	for _, t := range tasks {
		if t.IsActive {
			valid[t.ID] = true
		}
		c := candidate{
			taskId:    t.ID,
			taskName:  strings.ToLower(strings.TrimSpace(t.Name)),
			taskSort:  t.SortOrder,
			phaseSort: -1,
			valid:     t.IsActive,
		}
		c.taskWords = strings.Join(tokenize(c.taskName), " ")
		if t.PhaseId != nil {
			if p, ok := phaseByID[*t.PhaseId]; ok {
				c.phaseName = strings.ToLower(strings.TrimSpace(p.Name))
				c.phaseCode = strings.ToLower(strings.TrimSpace(p.Code))
				c.phaseSort = p.SortOrder
			}
		}
		out[t.ProjectId] = append(out[t.ProjectId], c)
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].phaseSort != list[j].phaseSort {
				return list[i].phaseSort < list[j].phaseSort
			}
			if list[i].taskSort != list[j].taskSort {
				return list[i].taskSort < list[j].taskSort
			}
			return list[i].taskId < list[j].taskId
		})
	}
	return out, valid, nil
}

// countStaleLinks counts linked entries whose task is no longer valid. They are reported,
// not unlinked.
func countStaleLinks(ctx context.Context, db *gorm.DB, projectIDs []string, valid map[string]bool) (int, error) {
	var linked []string
	if err := db.WithContext(ctx).Model(&models.HourEntry{}).
		Where("project_id IN ? AND task_id IS NOT NULL", projectIDs).
		Distinct("task_id").Pluck("task_id", &linked).Error; err != nil {
		return 0, err
	}
	var staleTasks []string
	for _, id := range linked {
		if !valid[id] {
			staleTasks = append(staleTasks, id)
		}
	}
	if len(staleTasks) == 0 {
		return 0, nil
	}
	var n int64
	err := db.WithContext(ctx).Model(&models.HourEntry{}).
		Where("project_id IN ? AND task_id IN ?", projectIDs, staleTasks).
		Count(&n).Error
	return int(n), err
}
