package normalizer

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/utils"
)

// Common counter buckets.
const (
	BucketReceived    = "received"
	BucketNormalized  = "normalized"
	BucketMissingID   = "dropped_missing_id"
	BucketDuplicate   = "duplicate"
	BucketSyntheticID = "synthetic_id"
)

// Issue is one row-level finding. Dropped rows always carry one.
type Issue struct {
	Row        int             `json:"row"`
	Kind       utils.ErrorKind `json:"kind"`
	Code       string          `json:"code"`
	ExternalId string          `json:"external_id,omitempty"`
	Message    string          `json:"message"`
	Dropped    bool            `json:"dropped"`
}

// Tally holds the counters shared by every normalizer result.
type Tally struct {
	Dropped   int            `json:"dropped"`
	Synthetic int            `json:"synthetic"`
	Issues    []Issue        `json:"issues,omitempty"`
	Counts    map[string]int `json:"counts"`
}

type Result[T any] struct {
	Items []T `json:"-"`
	Tally
}

// Options carry per-run context into the normalizers. Snapshot may be nil for entities
// that have no parent reference.
type Options struct {
	Now         time.Time
	Snapshot    *models.Snapshot
	CountryCode string
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now().UTC()
	}
	return o.Now.UTC()
}

func (t *Tally) count(bucket string, n int) {
	if t.Counts == nil {
		t.Counts = map[string]int{}
	}
	t.Counts[bucket] += n
}

func (t *Tally) warn(rowIdx int, kind utils.ErrorKind, code string, ext string, format string, args ...any) {
	t.count(code, 1)
	t.Issues = append(t.Issues, Issue{Row: rowIdx, Kind: kind, Code: code, ExternalId: ext, Message: fmt.Sprintf(format, args...)})
}

func (t *Tally) drop(rowIdx int, kind utils.ErrorKind, code string, ext string, format string, args ...any) {
	t.Dropped++
	t.count(code, 1)
	t.Issues = append(t.Issues, Issue{Row: rowIdx, Kind: kind, Code: code, ExternalId: ext, Message: fmt.Sprintf(format, args...), Dropped: true})
}

func (t *Tally) synthetic() {
	t.Synthetic++
	t.count(BucketSyntheticID, 1)
}

// DroppedIssues returns only the issues that excluded a row.
func (t Tally) DroppedIssues() []Issue {
	out := make([]Issue, 0, t.Dropped)
	for _, is := range t.Issues {
		if is.Dropped {
			out = append(out, is)
		}
	}
	return out
}

// dedupeByID keeps the last occurrence of each id at the position of its first occurrence.
func dedupeByID[T models.Keyed](items []T, tally *Tally) []T {
	pos := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		id := it.StableID()
		if i, ok := pos[id]; ok {
			out[i] = it
			tally.count(BucketDuplicate, 1)
			continue
		}
		pos[id] = len(out)
		out = append(out, it)
	}
	return out
}
