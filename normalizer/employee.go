package normalizer

import (
	"strings"
	"time"

	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/utils"
)

var EmployeeSchema = NewSchema("employee", "external_id",
	Field{Name: "external_id", Kind: KindString, Aliases: []string{"employee_id", "worker_id", "emp_id", "employee_number", "employee_no", "personnel_number", "staff_id", "resource_id", "id"}},
	Field{Name: "name", Kind: KindString, Aliases: []string{"name", "full_name", "employee_name", "worker_name", "display_name", "resource_name", "legal_name"}},
	Field{Name: "first_name", Kind: KindString, Aliases: []string{"first_name", "given_name", "firstname", "preferred_name"}},
	Field{Name: "last_name", Kind: KindString, Aliases: []string{"last_name", "surname", "family_name", "lastname"}},
	Field{Name: "email", Kind: KindString, Aliases: []string{"email", "email_address", "work_email", "primary_email", "mail"}},
	Field{Name: "phone", Kind: KindString, Aliases: []string{"phone", "phone_number", "work_phone", "mobile", "mobile_phone"}},
	Field{Name: "department", Kind: KindString, Aliases: []string{"department", "dept", "department_name", "cost_center", "org_unit", "division"}},
	Field{Name: "title", Kind: KindString, Aliases: []string{"job_title", "title", "position", "role"}},
	Field{Name: "hourly_rate", Kind: KindNumber, Aliases: []string{"hourly_rate", "rate", "cost_rate", "standard_rate", "labor_rate", "bill_rate"}},
	Field{Name: "active", Kind: KindBool, Aliases: []string{"active", "is_active", "enabled"}},
	Field{Name: "status", Kind: KindString, Aliases: []string{"employment_status", "employee_status", "worker_status", "status"}},
	Field{Name: "hire_date", Kind: KindDate, Aliases: []string{"hire_date", "date_hired", "original_hire_date", "start_date"}},
	Field{Name: "termination_date", Kind: KindDate, Aliases: []string{"termination_date", "term_date", "separation_date", "last_day_worked", "end_date"}},
)

// statuses that count as an explicit inactive signal when no active flag is present.
var inactiveEmployeeStatuses = map[string]bool{
	"terminated": true, "inactive": true, "separated": true, "resigned": true, "retired": true,
	"former": true, "left": true, "disabled": true, "deceased": true,
}

const (
	BucketInvalidEmail  = "invalid_email"
	BucketPhoneUnparsed = "phone_unparsed"
	BucketNameFallback  = "name_from_parts"
)

// NormalizeEmployees maps raw worker records to canonical employees.
// A record without an employee identifier is dropped and counted.
func NormalizeEmployees(records []Record, opts Options) Result[models.Employee] {
	var res Result[models.Employee]
	res.count(BucketReceived, len(records))
	s := EmployeeSchema
	today := utils.DateOnly(opts.now())

	items := make([]models.Employee, 0, len(records))
	for i, rec := range records {
		r := newRow(rec)
		ext := r.str(s.Field("external_id"))
		if ext == "" {
			res.drop(i, utils.ErrorKindValidation, BucketMissingID, "", "employee record has no identifier")
			continue
		}

		name := r.str(s.Field("name"))
		if name == "" {
			name = strings.TrimSpace(r.str(s.Field("first_name")) + " " + r.str(s.Field("last_name")))
			if name != "" {
				res.count(BucketNameFallback, 1)
			}
		}

		email := strings.ToLower(r.str(s.Field("email")))
		if email != "" && !utils.IsValidEmail(email) {
			res.warn(i, utils.ErrorKindValidation, BucketInvalidEmail, ext, "invalid email %q cleared", email)
			email = ""
		}

		phone := r.str(s.Field("phone"))
		if phone != "" {
			if e164, ok := utils.NormalizePhoneNumber(phone, opts.CountryCode); ok {
				phone = e164
			} else {
				res.count(BucketPhoneUnparsed, 1)
			}
		}

		termination := r.date(s.Field("termination_date"))
		emp := models.Employee{
			ID:              utils.DeriveID(utils.IDKindEmployee, ext),
			ExternalId:      ext,
			Name:            name,
			Email:           email,
			Phone:           phone,
			Department:      r.str(s.Field("department")),
			Title:           r.str(s.Field("title")),
			HourlyRate:      r.num(s.Field("hourly_rate")),
			IsActive:        resolveActive(r, s.Field("active"), r.str(s.Field("status")), inactiveEmployeeStatuses, termination, today),
			HireDate:        r.date(s.Field("hire_date")),
			TerminationDate: termination,
			SyncedAt:        opts.now(),
		}
		items = append(items, emp)
	}

	res.Items = dedupeByID(items, &res.Tally)
	res.count(BucketNormalized, len(res.Items))
	return res
}

// resolveActive applies the active policy: an explicit flag wins; otherwise the record is
// active unless its status or a past termination date says it is not.
func resolveActive(r row, flag Field, status string, inactive map[string]bool, endDate *time.Time, today time.Time) bool {
	if v, ok := r.flag(flag); ok {
		return v
	}
	if inactive[strings.ToLower(strings.TrimSpace(status))] {
		return false
	}
	if endDate != nil && !endDate.After(today) {
		return false
	}
	return true
}
