// Package normalizer maps loosely-typed upstream records onto canonical entities.
//
// Every canonical field is resolved from an ordered alias list. Adding support for a new
// upstream report version means adding aliases here, not new branches in the mappers.
package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/shopspring/decimal"
)

// Record is one raw upstream row. Unknown keys are ignored.
type Record map[string]any

type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
	KindDate
	KindBool
	KindList
)

// Field is a canonical field and the source keys it may arrive under, highest priority first.
type Field struct {
	Name    string
	Kind    FieldKind
	Aliases []string
}

// Schema is the field registry for one entity.
type Schema struct {
	Entity   string
	Fields   []Field
	Required string
	byName   map[string]Field
}

func NewSchema(entity string, required string, fields ...Field) *Schema {
	s := &Schema{Entity: entity, Fields: fields, Required: required, byName: make(map[string]Field, len(fields))}
	for _, f := range fields {
		s.byName[f.Name] = f
	}
	return s
}

func (s *Schema) Field(name string) Field {
	f, ok := s.byName[name]
	if !ok {
		panic(fmt.Sprintf("normalizer: %s has no field %q", s.Entity, name))
	}
	return f
}

// row wraps a record with its folded-key index.
type row struct {
	rec    Record
	folded map[string]string
}

func newRow(rec Record) row {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	// Folded collisions resolve to the lexicographically smallest original key.
	sort.Strings(keys)
	folded := make(map[string]string, len(keys))
	for _, k := range keys {
		fk := foldKey(k)
		if _, seen := folded[fk]; !seen {
			folded[fk] = k
		}
	}
	return row{rec: rec, folded: folded}
}

// foldKey lowercases and drops everything but letters and digits:
// "Employee_ID", "employeeId" and "employee id" all fold to "employeeid".
func foldKey(k string) string {
	var b strings.Builder
	b.Grow(len(k))
	for _, r := range k {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// lookup returns the first non-empty value among the field's aliases: exact key, then folded key.
func (r row) lookup(f Field) (any, bool) {
	for _, alias := range f.Aliases {
		if v, ok := r.rec[alias]; ok && !isEmpty(v) {
			return v, true
		}
		if orig, ok := r.folded[foldKey(alias)]; ok {
			if v := r.rec[orig]; !isEmpty(v) {
				return v, true
			}
		}
	}
	return nil, false
}

// Resolve returns the coerced value of f in rec, by f.Kind: string, decimal.Decimal,
// *time.Time, bool or []any. Absent fields return the kind's zero value.
func Resolve(rec Record, f Field) any {
	r := newRow(rec)
	switch f.Kind {
	case KindNumber:
		return r.num(f)
	case KindDate:
		return r.date(f)
	case KindBool:
		v, _ := r.flag(f)
		return v
	case KindList:
		return r.list(f)
	}
	return r.str(f)
}

func (r row) str(f Field) string {
	v, ok := r.lookup(f)
	if !ok {
		return ""
	}
	return toString(v)
}

func (r row) num(f Field) decimal.Decimal {
	v, ok := r.lookup(f)
	if !ok {
		return decimal.Zero
	}
	return toDecimal(v)
}

func (r row) date(f Field) *time.Time {
	v, ok := r.lookup(f)
	if !ok {
		return nil
	}
	return toDate(v)
}

// flag returns (value, present).
func (r row) flag(f Field) (bool, bool) {
	v, ok := r.lookup(f)
	if !ok {
		return false, false
	}
	return isTruthy(v), true
}

func (r row) list(f Field) []any {
	v, ok := r.lookup(f)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case string:
		return splitList(t)
	}
	return []any{v}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// toDecimal is 0 for anything non-numeric.
func toDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case json.Number:
		if d, err := decimal.NewFromString(t.String()); err == nil {
			return d
		}
	case float64:
		if !math.IsNaN(t) && !math.IsInf(t, 0) {
			return decimal.NewFromFloat(t)
		}
	case float32:
		return decimal.NewFromFloat32(t)
	case int:
		return decimal.NewFromInt(int64(t))
	case int64:
		return decimal.NewFromInt(t)
	case decimal.Decimal:
		return t
	case string:
		if d, err := utils.ParseDecimal(strings.TrimSuffix(strings.TrimSpace(t), "%")); err == nil {
			return d
		}
	}
	return decimal.Zero
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"01-02-06",
	"02-Jan-2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	time.UnixDate,
	time.RFC1123,
}

// toDate returns a date-only UTC time, or nil when the input is not a recognizable date.
// Unparseable input is never guessed.
func toDate(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		d := utils.DateOnly(t)
		return &d
	case *time.Time:
		if t == nil {
			return nil
		}
		d := utils.DateOnly(*t)
		return &d
	}
	s := toString(v)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			d := utils.DateOnly(parsed)
			return &d
		}
	}
	return nil
}

// truthy values of an explicit active/boolean flag.
var truthyValues = map[string]bool{
	"1": true, "true": true, "t": true, "yes": true, "y": true, "active": true, "enabled": true, "x": true,
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		return t.String() == "1"
	case float64:
		return t == 1
	case int:
		return t == 1
	case int64:
		return t == 1
	}
	return truthyValues[strings.ToLower(toString(v))]
}

func splitList(s string) []any {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
