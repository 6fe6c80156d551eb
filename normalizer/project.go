package normalizer

import (
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/utils"
)

var ProjectSchema = NewSchema("project", "external_id",
	Field{Name: "external_id", Kind: KindString, Aliases: []string{"project_id", "project_number", "project_no", "job_id", "job_number", "engagement_id", "id"}},
	Field{Name: "code", Kind: KindString, Aliases: []string{"project_code", "job_code", "code", "short_code"}},
	Field{Name: "name", Kind: KindString, Aliases: []string{"project_name", "name", "job_name", "title"}},
	Field{Name: "client", Kind: KindString, Aliases: []string{"client", "client_name", "customer", "customer_name", "account_name"}},
	Field{Name: "status", Kind: KindString, Aliases: []string{"project_status", "status", "state", "stage"}},
	Field{Name: "manager", Kind: KindString, Aliases: []string{"project_manager", "manager", "pm", "owner"}},
	Field{Name: "start_date", Kind: KindDate, Aliases: []string{"start_date", "planned_start", "start", "begin_date"}},
	Field{Name: "end_date", Kind: KindDate, Aliases: []string{"end_date", "finish_date", "planned_finish", "close_date", "due_date"}},
	Field{Name: "budget_hours", Kind: KindNumber, Aliases: []string{"budget_hours", "hours_budget", "planned_hours", "estimated_hours", "baseline_hours"}},
	Field{Name: "budget_cost", Kind: KindNumber, Aliases: []string{"budget_cost", "budget", "budget_amount", "planned_cost", "contract_value"}},
	Field{Name: "active", Kind: KindBool, Aliases: []string{"active", "is_active", "enabled"}},
)

var inactiveProjectStatuses = map[string]bool{
	"closed": true, "cancelled": true, "canceled": true, "archived": true, "inactive": true,
}

// NormalizeProjects maps raw project records to canonical projects.
func NormalizeProjects(records []Record, opts Options) Result[models.Project] {
	var res Result[models.Project]
	res.count(BucketReceived, len(records))
	s := ProjectSchema
	today := utils.DateOnly(opts.now())

	items := make([]models.Project, 0, len(records))
	for i, rec := range records {
		r := newRow(rec)
		ext := r.str(s.Field("external_id"))
		if ext == "" {
			res.drop(i, utils.ErrorKindValidation, BucketMissingID, "", "project record has no identifier")
			continue
		}
		code := r.str(s.Field("code"))
		status := r.str(s.Field("status"))
		p := models.Project{
			ID:          utils.DeriveID(utils.IDKindProject, ext),
			ExternalId:  ext,
			Code:        code,
			Name:        firstNonEmpty(r.str(s.Field("name")), code, ext),
			Client:      r.str(s.Field("client")),
			Status:      status,
			Manager:     r.str(s.Field("manager")),
			StartDate:   r.date(s.Field("start_date")),
			EndDate:     r.date(s.Field("end_date")),
			BudgetHours: r.num(s.Field("budget_hours")),
			BudgetCost:  r.num(s.Field("budget_cost")),
			// A project past its end date is still open for late time entries.
			IsActive: resolveActive(r, s.Field("active"), status, inactiveProjectStatuses, nil, today),
			SyncedAt: opts.now(),
		}
		items = append(items, p)
	}

	res.Items = dedupeByID(items, &res.Tally)
	res.count(BucketNormalized, len(res.Items))
	return res
}
