// Package upstream pulls raw employee, project, plan and time records from the system of
// record: the HTTP extract API, an xlsx workbook, or an archived extract in GCS.
package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/normalizer"
	"github.com/mmdatafocus/hours_backend/utils"
)

const (
	FeedEmployees = "employees"
	FeedProjects  = "projects"
	FeedHierarchy = "hierarchy"
	FeedHours     = "hours"
)

// Window is an inclusive range of work dates.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (w Window) String() string {
	return w.From.Format("2006-01-02") + ".." + w.To.Format("2006-01-02")
}

// Contains reports whether day falls inside the window, by calendar date.
func (w Window) Contains(day time.Time) bool {
	d := utils.DateOnly(day)
	return !d.Before(utils.DateOnly(w.From)) && !d.After(utils.DateOnly(w.To))
}

// Source is one run's view of the upstream system. Implementations are not shared
// between runs.
type Source interface {
	Name() string
	Employees(ctx context.Context) ([]normalizer.Record, error)
	Projects(ctx context.Context) ([]normalizer.Record, error)
	// Hierarchy may return no records when the upstream has no plan feed.
	Hierarchy(ctx context.Context) ([]normalizer.Record, error)
	Hours(ctx context.Context, w Window) ([]normalizer.Record, error)
}

// SplitWindows cuts [from, to] into consecutive windows of at most days calendar days.
func SplitWindows(from, to time.Time, days int) []Window {
	from, to = utils.DateOnly(from), utils.DateOnly(to)
	if days <= 0 || to.Before(from) {
		return nil
	}
	var out []Window
	for start := from; !start.After(to); start = start.AddDate(0, 0, days) {
		end := start.AddDate(0, 0, days-1)
		if end.After(to) {
			end = to
		}
		out = append(out, Window{From: start, To: end})
	}
	return out
}

// NewSource builds the source selected by settings. Configuration problems are returned
// as configuration errors so the run aborts before any write.
func NewSource(ctx context.Context, s config.SyncSettings) (Source, error) {
	switch s.SourceKind {
	case config.SourceHTTP:
		c, err := NewClient(s.Upstream)
		if err != nil {
			return nil, utils.NewSyncError(utils.ErrorKindConfiguration, "source", s.SourceKind, err)
		}
		return c, nil
	case config.SourceXlsx:
		return NewXlsxSource(s.SourceLocation), nil
	case config.SourceGCS:
		src, err := NewGCSSource(ctx, s.SourceLocation)
		if err != nil {
			return nil, utils.NewSyncError(utils.ErrorKindConfiguration, "source", s.SourceLocation, err)
		}
		return src, nil
	}
	return nil, utils.NewSyncError(utils.ErrorKindConfiguration, "source", s.SourceKind, fmt.Errorf("unknown source kind %q", s.SourceKind))
}
