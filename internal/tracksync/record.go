package tracksync

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindEpic Kind = "epic"
	KindTask Kind = "task"
)

// ParseKind accepts any casing and falls back to task for unknown values.
func ParseKind(raw string) Kind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "epic":
		return KindEpic
	default:
		return KindTask
	}
}

// Status is the provider-neutral lifecycle stage of a work item. Provider
// strings never cross the field mapper boundary; everything past it uses
// these four values.
type Status string

const (
	StatusToDo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusClosed     Status = "closed"
)

var statusAliases = map[string]Status{
	"todo":        StatusToDo,
	"to do":       StatusToDo,
	"to-do":       StatusToDo,
	"open":        StatusToDo,
	"backlog":     StatusToDo,
	"new":         StatusToDo,
	"in_progress": StatusInProgress,
	"in progress": StatusInProgress,
	"in-progress": StatusInProgress,
	"inprogress":  StatusInProgress,
	"started":     StatusInProgress,
	"done":        StatusDone,
	"completed":   StatusDone,
	"complete":    StatusDone,
	"resolved":    StatusDone,
	"closed":      StatusClosed,
}

// ParseStatus maps a local status spelling onto the enum. The boolean is
// false when the value is not a recognised spelling.
func ParseStatus(raw string) (Status, bool) {
	status, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	return status, ok
}

func (s Status) Valid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusDone, StatusClosed:
		return true
	default:
		return false
	}
}

// Rank orders statuses by lifecycle progress. Closed is terminal and ranks
// above every other stage.
func (s Status) Rank() int {
	switch s {
	case StatusToDo:
		return 0
	case StatusInProgress:
		return 1
	case StatusDone:
		return 2
	case StatusClosed:
		return 3
	default:
		return -1
	}
}

func (s Status) Terminal() bool {
	return s == StatusClosed
}

func (s Status) String() string {
	switch s {
	case StatusToDo:
		return "ToDo"
	case StatusInProgress:
		return "InProgress"
	case StatusDone:
		return "Done"
	case StatusClosed:
		return "Closed"
	default:
		return string(s)
	}
}

// Canonical field names used by the detector, deltas and reports. Custom
// fields are addressed as "fields.<name>".
const (
	FieldName        = "name"
	FieldStatus      = "status"
	FieldDescription = "description"
	FieldAssignee    = "assignee"
	FieldProgress    = "progress"
	FieldUpdatedAt   = "updatedAt"

	customFieldPrefix = "fields."
)

var coreFields = []string{FieldName, FieldStatus, FieldDescription, FieldAssignee, FieldProgress}

func CustomFieldKey(name string) string {
	return customFieldPrefix + name
}

func customFieldName(field string) (string, bool) {
	if !strings.HasPrefix(field, customFieldPrefix) {
		return "", false
	}
	return strings.TrimPrefix(field, customFieldPrefix), true
}

// CanonicalRecord is the internal representation of a work item shared by
// the local store and the remote tracker.
type CanonicalRecord struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Name         string         `json:"name"`
	Status       Status         `json:"status"`
	Description  string         `json:"description"`
	Assignee     string         `json:"assignee,omitempty"`
	Progress     int            `json:"progress"`
	CustomFields map[string]any `json:"customFields,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (r CanonicalRecord) Clone() CanonicalRecord {
	out := r
	if r.CustomFields != nil {
		out.CustomFields = make(map[string]any, len(r.CustomFields))
		for key, value := range r.CustomFields {
			out.CustomFields[key] = cloneValue(value)
		}
	}
	return out
}

// Value returns the value of a canonical field, or nil when unknown.
func (r CanonicalRecord) Value(field string) any {
	switch field {
	case FieldName:
		return r.Name
	case FieldStatus:
		return r.Status
	case FieldDescription:
		return r.Description
	case FieldAssignee:
		return r.Assignee
	case FieldProgress:
		return r.Progress
	case FieldUpdatedAt:
		return r.UpdatedAt
	}
	if name, ok := customFieldName(field); ok {
		if r.CustomFields == nil {
			return nil
		}
		return r.CustomFields[name]
	}
	return nil
}

func (r *CanonicalRecord) set(field string, value any) {
	switch field {
	case FieldName:
		r.Name = asString(value)
	case FieldStatus:
		switch v := value.(type) {
		case Status:
			r.Status = v
		case string:
			if status, ok := ParseStatus(v); ok {
				r.Status = status
			}
		}
	case FieldDescription:
		r.Description = asString(value)
	case FieldAssignee:
		r.Assignee = asString(value)
	case FieldProgress:
		if n, ok := asInt(value); ok {
			r.Progress = clampProgress(n)
		}
	case FieldUpdatedAt:
		if ts, ok := value.(time.Time); ok {
			r.UpdatedAt = ts
		}
	default:
		if name, ok := customFieldName(field); ok {
			if r.CustomFields == nil {
				r.CustomFields = map[string]any{}
			}
			if value == nil {
				delete(r.CustomFields, name)
				return
			}
			r.CustomFields[name] = cloneValue(value)
		}
	}
}

// Validate checks the record invariants.
func (r CanonicalRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if r.Kind != KindEpic && r.Kind != KindTask {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, r.Kind)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, r.Status)
	}
	if r.Progress < 0 || r.Progress > 100 {
		return fmt.Errorf("%w: progress %d outside [0,100]", ErrInvalidInput, r.Progress)
	}
	return nil
}

// Delta is a set of canonical field updates keyed by canonical field name.
type Delta map[string]any

func (d Delta) Fields() []string {
	fields := make([]string, 0, len(d))
	for field := range d {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// ApplyDelta returns a copy of r with every field in d set.
func ApplyDelta(r CanonicalRecord, d Delta) CanonicalRecord {
	out := r.Clone()
	for _, field := range d.Fields() {
		out.set(field, d[field])
	}
	return out
}

// RemoteFields is the remote tracker's flat field map, keyed by remote
// field name.
type RemoteFields map[string]any

func (f RemoteFields) Clone() RemoteFields {
	if f == nil {
		return nil
	}
	out := make(RemoteFields, len(f))
	for key, value := range f {
		out[key] = cloneValue(value)
	}
	return out
}

// valuesEqual compares canonical values, treating numeric types, string
// slices and surrounding whitespace as equivalent representations.
func valuesEqual(a, b any) bool {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.TrimSpace(as) == strings.TrimSpace(bs)
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
	}
	if an, ok := asFloat(a); ok {
		if bn, ok := asFloat(b); ok {
			return an == bn
		}
	}
	if al, ok := asStringSlice(a); ok {
		if bl, ok := asStringSlice(b); ok {
			if len(al) != len(bl) {
				return false
			}
			for i := range al {
				if al[i] != bl[i] {
					return false
				}
			}
			return true
		}
	}
	if isEmptyValue(a) && isEmptyValue(b) {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for key, value := range t {
			out[key] = cloneValue(value)
		}
		return out
	default:
		return v
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case Status:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func asInt(v any) (int, bool) {
	f, ok := asFloat(v)
	if !ok || math.IsNaN(f) {
		return 0, false
	}
	switch {
	case f >= math.MaxInt32:
		return math.MaxInt32, true
	case f <= math.MinInt32:
		return math.MinInt32, true
	}
	return int(f), true
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func asStringSlice(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, asString(item))
		}
		return out, true
	default:
		return nil, false
	}
}

func clampProgress(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func formatProgress(n int) string {
	return strconv.Itoa(clampProgress(n)) + "%"
}
