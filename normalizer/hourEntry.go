package normalizer

import (
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/utils"
)

const (
	BucketUnknownEmployee = "unknown_employee"
	BucketCostDerived     = "cost_derived"
	BucketMissingDate     = "missing_work_date"
)

var HourEntrySchema = NewSchema("hour_entry", "project_id",
	Field{Name: "external_id", Kind: KindString, Aliases: []string{"entry_id", "time_entry_id", "timesheet_line_id", "line_id", "transaction_id", "id"}},
	Field{Name: "project_id", Kind: KindString, Aliases: []string{"project_id", "project_number", "project_no", "job_id", "job_number", "project"}},
	Field{Name: "employee_id", Kind: KindString, Aliases: []string{"employee_id", "worker_id", "emp_id", "employee_number", "resource_id"}},
	Field{Name: "work_date", Kind: KindDate, Aliases: []string{"work_date", "date", "entry_date", "transaction_date", "day"}},
	Field{Name: "hours", Kind: KindNumber, Aliases: []string{"hours", "quantity", "hours_worked", "duration_hours", "units"}},
	Field{Name: "cost", Kind: KindNumber, Aliases: []string{"cost", "amount", "labor_cost", "extended_cost", "cost_amount"}},
	Field{Name: "charge_code", Kind: KindString, Aliases: []string{"charge_code", "task_code", "activity_code", "cost_code", "task"}},
	Field{Name: "description", Kind: KindString, Aliases: []string{"description", "memo", "notes", "comment", "narrative"}},
	Field{Name: "billable", Kind: KindBool, Aliases: []string{"billable", "is_billable"}},
)

// NormalizeHourEntries maps time records to hour entries. Entries are scoped to their
// project: a missing or unknown project drops the row. An unknown employee only warns.
func NormalizeHourEntries(records []Record, opts Options) Result[models.HourEntry] {
	var res Result[models.HourEntry]
	res.count(BucketReceived, len(records))
	s := HourEntrySchema

	items := make([]models.HourEntry, 0, len(records))
	for i, rec := range records {
		r := newRow(rec)
		ext := r.str(s.Field("external_id"))
		projectExt := r.str(s.Field("project_id"))
		if projectExt == "" {
			res.drop(i, utils.ErrorKindValidation, BucketMissingProject, ext, "hour entry has no project reference")
			continue
		}
		projectID := utils.DeriveID(utils.IDKindProject, projectExt)
		if opts.Snapshot != nil && !opts.Snapshot.HasProject(projectID) {
			res.drop(i, utils.ErrorKindForeignKey, BucketUnknownProject, ext, "hour entry references unknown project %s", projectExt)
			continue
		}

		var employeeID string
		employeeExt := r.str(s.Field("employee_id"))
		emp, knownEmployee := models.EmployeeRef{}, false
		if employeeExt != "" {
			employeeID = utils.DeriveID(utils.IDKindEmployee, employeeExt)
			emp, knownEmployee = opts.Snapshot.Employee(employeeID)
			if opts.Snapshot != nil && !knownEmployee {
				res.warn(i, utils.ErrorKindForeignKey, BucketUnknownEmployee, ext, "hour entry references unknown employee %s", employeeExt)
			}
		}

		workDate := r.date(s.Field("work_date"))
		if workDate == nil {
			res.count(BucketMissingDate, 1)
		}
		hours := r.num(s.Field("hours"))
		cost := r.num(s.Field("cost"))
		if cost.IsZero() && knownEmployee && emp.HourlyRate.IsPositive() {
			cost = hours.Mul(emp.HourlyRate).Round(2)
			res.count(BucketCostDerived, 1)
		}
		charge := r.str(s.Field("charge_code"))
		billable, _ := r.flag(s.Field("billable"))

		h := models.HourEntry{
			ExternalId:  ext,
			ProjectId:   projectID,
			EmployeeId:  employeeID,
			WorkDate:    workDate,
			Hours:       hours,
			Cost:        cost,
			ChargeCode:  charge,
			Description: r.str(s.Field("description")),
			Billable:    billable,
			SyncedAt:    opts.now(),
		}
		if ext != "" {
			h.ID = utils.DeriveID(utils.IDKindHourEntry, ext)
		} else {
			day := ""
			if workDate != nil {
				day = workDate.Format("2006-01-02")
			}
			h.ID = utils.SyntheticID(utils.IDKindHourEntry, projectExt, employeeExt+"|"+day+"|"+charge, i)
			h.SyntheticId = true
			res.synthetic()
		}
		items = append(items, h)
	}

	res.Items = dedupeByID(items, &res.Tally)
	res.count(BucketNormalized, len(res.Items))
	return res
}
