package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/hours_backend/normalizer"
	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/xuri/excelize/v2"
)

// feedAliases maps sheet names, JSON keys and NDJSON feed tags onto feeds.
var feedAliases = map[string]string{
	"employees":     FeedEmployees,
	"workers":       FeedEmployees,
	"projects":      FeedProjects,
	"hierarchy":     FeedHierarchy,
	"tasks":         FeedHierarchy,
	"project_tasks": FeedHierarchy,
	"plan":          FeedHierarchy,
	"hours":         FeedHours,
	"time_entries":  FeedHours,
	"timesheets":    FeedHours,
}

// ndjsonFeedKey tags each NDJSON line with its feed.
const ndjsonFeedKey = "_feed"

func feedName(raw string) (string, bool) {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.NewReplacer("-", "_", " ", "_").Replace(k)
	f, ok := feedAliases[k]
	return f, ok
}

// archive is a whole extract held in memory, split by feed.
type archive map[string][]normalizer.Record

// decodeJSONArchive reads {"employees": [...], "projects": [...], ...}.
func decodeJSONArchive(r io.Reader) (archive, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw map[string][]normalizer.Record
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	out := archive{}
	for k, rows := range raw {
		if f, ok := feedName(k); ok {
			out[f] = append(out[f], rows...)
		}
	}
	return out, nil
}

// decodeNDJSONArchive reads one record per line, each tagged with "_feed".
func decodeNDJSONArchive(r io.Reader) (archive, error) {
	out := archive{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.UseNumber()
		var rec normalizer.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		tag, _ := rec[ndjsonFeedKey].(string)
		f, ok := feedName(tag)
		if !ok {
			return nil, fmt.Errorf("line %d: unknown feed %q", line, tag)
		}
		delete(rec, ndjsonFeedKey)
		out[f] = append(out[f], rec)
	}
	return out, sc.Err()
}

// decodeXlsxArchive reads one sheet per feed; the first non-empty row holds field names.
func decodeXlsxArchive(f *excelize.File) (archive, error) {
	out := archive{}
	for _, sheet := range f.GetSheetList() {
		feed, ok := feedName(sheet)
		if !ok {
			continue
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheet, err)
		}
		var header []string
		for _, row := range rows {
			if header == nil {
				if !blankRow(row) {
					header = row
				}
				continue
			}
			if blankRow(row) {
				continue
			}
			rec := normalizer.Record{}
			for i, cell := range row {
				if i >= len(header) || strings.TrimSpace(header[i]) == "" {
					continue
				}
				rec[strings.TrimSpace(header[i])] = cell
			}
			out[feed] = append(out[feed], rec)
		}
	}
	return out, nil
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// archiveSource serves a lazily loaded archive. Hour records are filtered per window by
// work date; undated hour records are served once, with the first window asked for.
type archiveSource struct {
	name string
	load func(ctx context.Context) (archive, error)

	once        sync.Once
	data        archive
	err         error
	mu          sync.Mutex
	undatedSent bool
}

func (s *archiveSource) Name() string { return s.name }

func (s *archiveSource) get(ctx context.Context) (archive, error) {
	s.once.Do(func() {
		s.data, s.err = s.load(ctx)
		if s.err != nil && utils.KindOf(s.err) == "" {
			s.err = utils.NewSyncError(utils.ErrorKindUpstreamFetch, s.name, "", s.err)
		}
	})
	return s.data, s.err
}

func (s *archiveSource) Employees(ctx context.Context) ([]normalizer.Record, error) {
	a, err := s.get(ctx)
	return a[FeedEmployees], err
}

func (s *archiveSource) Projects(ctx context.Context) ([]normalizer.Record, error) {
	a, err := s.get(ctx)
	return a[FeedProjects], err
}

func (s *archiveSource) Hierarchy(ctx context.Context) ([]normalizer.Record, error) {
	a, err := s.get(ctx)
	return a[FeedHierarchy], err
}

func (s *archiveSource) Hours(ctx context.Context, w Window) ([]normalizer.Record, error) {
	a, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dateField := normalizer.HourEntrySchema.Field("work_date")
	var out []normalizer.Record
	for _, rec := range a[FeedHours] {
		day, _ := normalizer.Resolve(rec, dateField).(*time.Time)
		if day == nil {
			if !s.undatedSent {
				out = append(out, rec)
			}
			continue
		}
		if w.Contains(*day) {
			out = append(out, rec)
		}
	}
	s.undatedSent = true
	return out, nil
}
