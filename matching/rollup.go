package matching

import (
	"context"
	"time"

	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type RollupReport struct {
	Tasks    int          `json:"tasks_updated"`
	Phases   int          `json:"phases_updated"`
	Projects int          `json:"projects_updated"`
	Skipped  int          `json:"skipped"`
	Failures []RowFailure `json:"failures,omitempty"`
}

type actuals struct {
	hours decimal.Decimal
	cost  decimal.Decimal
}

func (a actuals) add(h models.HourEntry) actuals {
	return actuals{hours: a.hours.Add(h.Hours), cost: a.cost.Add(h.Cost)}
}

func (a actuals) equal(hours, cost decimal.Decimal) bool {
	return a.hours.Equal(hours) && a.cost.Equal(cost)
}

// RecomputeRollups re-derives actual hours and cost from linked entries: tasks from their
// entries, phases from their tasks, projects from every entry of the project plus the hours
// no task owns. Cached values are overwritten; unchanged rows are not written.
func RecomputeRollups(ctx context.Context, db *gorm.DB, projectIDs []string, now time.Time) (RollupReport, error) {
	var report RollupReport
	if len(projectIDs) == 0 {
		return report, nil
	}
	log := config.GetLogger()

	var entries []models.HourEntry
	if err := db.WithContext(ctx).
		Select("id", "project_id", "task_id", "hours", "cost").
		Where("project_id IN ?", projectIDs).
		Find(&entries).Error; err != nil {
		return report, err
	}
	var tasks []models.Task
	if err := db.WithContext(ctx).
		Select("id", "project_id", "phase_id", "actual_hours", "actual_cost").
		Where("project_id IN ?", projectIDs).
		Find(&tasks).Error; err != nil {
		return report, err
	}
	var phases []models.Phase
	if err := db.WithContext(ctx).
		Select("id", "project_id", "actual_hours", "actual_cost").
		Where("project_id IN ?", projectIDs).
		Find(&phases).Error; err != nil {
		return report, err
	}

	knownTask := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		knownTask[t.ID] = true
	}
	byTask := map[string]actuals{}
	byProject := map[string]actuals{}
	unassigned := map[string]decimal.Decimal{}
	for _, h := range entries {
		byProject[h.ProjectId] = byProject[h.ProjectId].add(h)
		if h.TaskId != nil && knownTask[*h.TaskId] {
			byTask[*h.TaskId] = byTask[*h.TaskId].add(h)
			continue
		}
		unassigned[h.ProjectId] = unassigned[h.ProjectId].Add(h.Hours)
	}

	fail := func(id string, err error) {
		report.Skipped++
		report.Failures = append(report.Failures, RowFailure{TaskId: id, Error: err.Error()})
		config.LogError(log, "matching", "RecomputeRollups", "update rollup", map[string]string{"id": id}, err)
	}

	byPhase := map[string]actuals{}
	for _, t := range tasks {
		a := byTask[t.ID]
		if t.PhaseId != nil {
			byPhase[*t.PhaseId] = actuals{hours: byPhase[*t.PhaseId].hours.Add(a.hours), cost: byPhase[*t.PhaseId].cost.Add(a.cost)}
		}
		if a.equal(t.ActualHours, t.ActualCost) {
			continue
		}
		if err := db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", t.ID).
			Updates(map[string]any{"actual_hours": a.hours, "actual_cost": a.cost}).Error; err != nil {
			fail(t.ID, err)
			continue
		}
		report.Tasks++
	}

	for _, p := range phases {
		a := byPhase[p.ID]
		if a.equal(p.ActualHours, p.ActualCost) {
			continue
		}
		if err := db.WithContext(ctx).Model(&models.Phase{}).Where("id = ?", p.ID).
			Updates(map[string]any{"actual_hours": a.hours, "actual_cost": a.cost}).Error; err != nil {
			fail(p.ID, err)
			continue
		}
		report.Phases++
	}

	for _, projectID := range projectIDs {
		a := byProject[projectID]
		err := db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", projectID).
			Updates(map[string]any{
				"actual_hours":     a.hours,
				"actual_cost":      a.cost,
				"unassigned_hours": unassigned[projectID],
				"rolled_up_at":     now,
			}).Error
		if err != nil {
			fail(projectID, err)
			continue
		}
		report.Projects++
	}
	return report, nil
}
