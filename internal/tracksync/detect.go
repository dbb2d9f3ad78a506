package tracksync

import (
	"sort"
	"time"
)

const DefaultConcurrentWindow = 300 * time.Second

type ConflictKind string

const (
	ConflictFieldMismatch          ConflictKind = "field_mismatch"
	ConflictConcurrentModification ConflictKind = "concurrent_modification"
)

type Conflict struct {
	Field         string       `json:"field"`
	LocalValue    any          `json:"localValue"`
	RemoteValue   any          `json:"remoteValue"`
	Kind          ConflictKind `json:"kind"`
	LocalChanged  bool         `json:"localChanged"`
	RemoteChanged bool         `json:"remoteChanged"`
	NewerSide     Side         `json:"newerSide,omitempty"`
}

// ConflictReport lists every field on which local and remote disagree. It
// carries both records so the resolver needs no further reads.
type ConflictReport struct {
	EntityID  string          `json:"entityId"`
	Fields    []string        `json:"fields"`
	Conflicts []Conflict      `json:"conflicts"`
	Local     CanonicalRecord `json:"local"`
	Remote    CanonicalRecord `json:"remote"`
}

func (r ConflictReport) Empty() bool { return len(r.Conflicts) == 0 }

func (r ConflictReport) Conflict(field string) (Conflict, bool) {
	for _, c := range r.Conflicts {
		if c.Field == field {
			return c, true
		}
	}
	return Conflict{}, false
}

func (r ConflictReport) ConflictFields() []string {
	fields := make([]string, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		fields = append(fields, c.Field)
	}
	return fields
}

func (r ConflictReport) HasConcurrent() bool {
	for _, c := range r.Conflicts {
		if c.Kind == ConflictConcurrentModification {
			return true
		}
	}
	return false
}

type DetectorOptions struct {
	// Window bounds how close the two updatedAt values must be for a
	// two-sided change to count as concurrent. Defaults to five minutes.
	Window       time.Duration
	CustomFields []string
}

type Detector struct {
	window time.Duration
	fields []string
}

func NewDetector(opts DetectorOptions) *Detector {
	window := opts.Window
	if window <= 0 {
		window = DefaultConcurrentWindow
	}
	custom := append([]string(nil), opts.CustomFields...)
	sort.Strings(custom)
	fields := append([]string(nil), coreFields...)
	for _, name := range custom {
		fields = append(fields, CustomFieldKey(name))
	}
	return &Detector{window: window, fields: fields}
}

func (d *Detector) Window() time.Duration { return d.window }

func (d *Detector) Fields() []string { return append([]string(nil), d.fields...) }

// Detect compares local and remote field by field. snapshot may be nil, in
// which case every difference is a field_mismatch.
func (d *Detector) Detect(local, remote CanonicalRecord, snapshot *SyncSnapshot) ConflictReport {
	entityID := local.ID
	if entityID == "" {
		entityID = remote.ID
	}
	report := ConflictReport{
		EntityID: entityID,
		Fields:   d.Fields(),
		Local:    local.Clone(),
		Remote:   remote.Clone(),
	}
	newer := newerSide(local.UpdatedAt, remote.UpdatedAt)
	withinWindow := absDuration(local.UpdatedAt.Sub(remote.UpdatedAt)) <= d.window

	for _, field := range d.fields {
		lv, rv := local.Value(field), remote.Value(field)
		if valuesEqual(lv, rv) {
			continue
		}
		c := Conflict{
			Field:       field,
			LocalValue:  lv,
			RemoteValue: rv,
			Kind:        ConflictFieldMismatch,
			NewerSide:   newer,
		}
		if snapshot != nil {
			c.LocalChanged = changedSince(local, snapshot.LastLocalState, field)
			c.RemoteChanged = changedSince(remote, snapshot.LastRemoteState, field)
			if c.LocalChanged && c.RemoteChanged && withinWindow {
				c.Kind = ConflictConcurrentModification
			}
		}
		report.Conflicts = append(report.Conflicts, c)
	}
	return report
}

// diffReport rebuilds a report without snapshot context.
func diffReport(entityID string, fields []string, local, remote CanonicalRecord) ConflictReport {
	report := ConflictReport{
		EntityID: entityID,
		Fields:   append([]string(nil), fields...),
		Local:    local.Clone(),
		Remote:   remote.Clone(),
	}
	newer := newerSide(local.UpdatedAt, remote.UpdatedAt)
	for _, field := range fields {
		lv, rv := local.Value(field), remote.Value(field)
		if valuesEqual(lv, rv) {
			continue
		}
		report.Conflicts = append(report.Conflicts, Conflict{
			Field:       field,
			LocalValue:  lv,
			RemoteValue: rv,
			Kind:        ConflictFieldMismatch,
			NewerSide:   newer,
		})
	}
	return report
}

func changedSince(current, previous CanonicalRecord, field string) bool {
	if current.UpdatedAt.Equal(previous.UpdatedAt) {
		return false
	}
	return !valuesEqual(current.Value(field), previous.Value(field))
}

func newerSide(local, remote time.Time) Side {
	switch {
	case local.After(remote):
		return SideLocal
	case remote.After(local):
		return SideRemote
	default:
		return SideNone
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
