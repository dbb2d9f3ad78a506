package tracksync

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Transform string

const (
	TransformPreserve   Transform = "preserve"
	TransformStatusMap  Transform = "statusMap"
	TransformPercentage Transform = "percentage"
	TransformDatetime   Transform = "datetime"
	TransformBoolean    Transform = "boolean"
	TransformArray      Transform = "array"
	TransformURL        Transform = "url"
)

func (t Transform) valid() bool {
	switch t {
	case TransformPreserve, TransformStatusMap, TransformPercentage, TransformDatetime,
		TransformBoolean, TransformArray, TransformURL:
		return true
	default:
		return false
	}
}

// FieldSpec binds a canonical field to a remote field name. Local is either
// a core field name (name, status, ...) or the name of a custom field.
type FieldSpec struct {
	Local     string    `yaml:"local" toml:"local" json:"local"`
	Remote    string    `yaml:"remote" toml:"remote" json:"remote"`
	Transform Transform `yaml:"transform" toml:"transform" json:"transform"`
}

// MappingConfig declares the remote schema. The zero value of every field
// falls back to DefaultMappingConfig.
type MappingConfig struct {
	IDField   string            `yaml:"idField" toml:"idField"`
	KindField string            `yaml:"kindField" toml:"kindField"`
	Fields    []FieldSpec       `yaml:"fields" toml:"fields"`
	Custom    []FieldSpec       `yaml:"custom" toml:"custom"`
	Statuses  map[Status]string `yaml:"statuses" toml:"statuses"`
	// Aliases maps extra remote status names (any casing) onto the enum.
	Aliases map[string]Status `yaml:"aliases" toml:"aliases"`
	// EpicKind is the remote issue type name used for epics.
	EpicKind string `yaml:"epicKind" toml:"epicKind"`
	TaskKind string `yaml:"taskKind" toml:"taskKind"`
}

func DefaultMappingConfig() MappingConfig {
	return MappingConfig{
		IDField:   "key",
		KindField: "issuetype",
		Fields: []FieldSpec{
			{Local: FieldName, Remote: "summary", Transform: TransformPreserve},
			{Local: FieldStatus, Remote: "status", Transform: TransformStatusMap},
			{Local: FieldDescription, Remote: "description", Transform: TransformPreserve},
			{Local: FieldAssignee, Remote: "assignee", Transform: TransformPreserve},
			{Local: FieldProgress, Remote: "progress", Transform: TransformPercentage},
			{Local: FieldUpdatedAt, Remote: "updated", Transform: TransformDatetime},
		},
		Statuses: map[Status]string{
			StatusToDo:       "To Do",
			StatusInProgress: "In Progress",
			StatusDone:       "Done",
			StatusClosed:     "Closed",
		},
		Aliases: map[string]Status{
			"open":        StatusToDo,
			"backlog":     StatusToDo,
			"selected":    StatusToDo,
			"in review":   StatusInProgress,
			"resolved":    StatusDone,
			"won't do":    StatusClosed,
			"cancelled":   StatusClosed,
			"in progress": StatusInProgress,
		},
		EpicKind: "Epic",
		TaskKind: "Task",
	}
}

// FieldMapper translates between CanonicalRecord and RemoteFields. All
// transforms are pure; malformed values map to a documented default and a
// MappingError warning.
type FieldMapper struct {
	idField    string
	kindField  string
	epicKind   string
	taskKind   string
	core       map[string]FieldSpec
	custom     []FieldSpec
	toRemote   map[Status]string
	fromRemote map[string]Status
}

var coreMapped = map[string]bool{
	FieldName: true, FieldStatus: true, FieldDescription: true,
	FieldAssignee: true, FieldProgress: true, FieldUpdatedAt: true,
}

func NewFieldMapper(cfg MappingConfig) (*FieldMapper, error) {
	defaults := DefaultMappingConfig()
	if strings.TrimSpace(cfg.IDField) == "" {
		cfg.IDField = defaults.IDField
	}
	if strings.TrimSpace(cfg.KindField) == "" {
		cfg.KindField = defaults.KindField
	}
	if cfg.EpicKind == "" {
		cfg.EpicKind = defaults.EpicKind
	}
	if cfg.TaskKind == "" {
		cfg.TaskKind = defaults.TaskKind
	}

	m := &FieldMapper{
		idField:    cfg.IDField,
		kindField:  cfg.KindField,
		epicKind:   cfg.EpicKind,
		taskKind:   cfg.TaskKind,
		core:       map[string]FieldSpec{},
		toRemote:   map[Status]string{},
		fromRemote: map[string]Status{},
	}
	for _, spec := range defaults.Fields {
		m.core[spec.Local] = spec
	}
	remoteSeen := map[string]string{}
	for _, spec := range cfg.Fields {
		if !coreMapped[spec.Local] {
			return nil, fmt.Errorf("%w: %q is not a core field; declare it under custom", ErrInvalidInput, spec.Local)
		}
		if spec.Transform == "" {
			spec.Transform = m.core[spec.Local].Transform
		}
		if !spec.Transform.valid() {
			return nil, fmt.Errorf("%w: unknown transform %q for %s", ErrInvalidInput, spec.Transform, spec.Local)
		}
		if strings.TrimSpace(spec.Remote) == "" {
			return nil, fmt.Errorf("%w: remote name required for %s", ErrInvalidInput, spec.Local)
		}
		m.core[spec.Local] = spec
	}
	for _, spec := range m.core {
		if other, ok := remoteSeen[spec.Remote]; ok {
			return nil, fmt.Errorf("%w: remote field %q mapped twice (%s, %s)", ErrInvalidInput, spec.Remote, other, spec.Local)
		}
		remoteSeen[spec.Remote] = spec.Local
	}
	customSeen := map[string]bool{}
	for _, spec := range cfg.Custom {
		spec.Local = strings.TrimSpace(spec.Local)
		if spec.Local == "" || strings.TrimSpace(spec.Remote) == "" {
			return nil, fmt.Errorf("%w: custom field needs local and remote names", ErrInvalidInput)
		}
		if spec.Transform == "" {
			spec.Transform = TransformPreserve
		}
		if !spec.Transform.valid() || spec.Transform == TransformStatusMap {
			return nil, fmt.Errorf("%w: unsupported transform %q for custom field %s", ErrInvalidInput, spec.Transform, spec.Local)
		}
		if customSeen[spec.Local] {
			return nil, fmt.Errorf("%w: custom field %s declared twice", ErrInvalidInput, spec.Local)
		}
		if other, ok := remoteSeen[spec.Remote]; ok {
			return nil, fmt.Errorf("%w: remote field %q mapped twice (%s, %s)", ErrInvalidInput, spec.Remote, other, spec.Local)
		}
		customSeen[spec.Local] = true
		remoteSeen[spec.Remote] = spec.Local
		m.custom = append(m.custom, spec)
	}
	sort.Slice(m.custom, func(i, j int) bool { return m.custom[i].Local < m.custom[j].Local })

	statuses := defaults.Statuses
	for status, name := range cfg.Statuses {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q in status table", ErrInvalidInput, status)
		}
		statuses[status] = name
	}
	for _, status := range []Status{StatusToDo, StatusInProgress, StatusDone, StatusClosed} {
		name := strings.TrimSpace(statuses[status])
		if name == "" {
			return nil, fmt.Errorf("%w: status %s has no remote name", ErrInvalidInput, status)
		}
		m.toRemote[status] = name
	}
	for alias, status := range defaults.Aliases {
		m.fromRemote[strings.ToLower(alias)] = status
	}
	for alias, status := range cfg.Aliases {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: alias %q targets unknown status %q", ErrInvalidInput, alias, status)
		}
		m.fromRemote[strings.ToLower(strings.TrimSpace(alias))] = status
	}
	// Table names take precedence over aliases.
	for status, name := range m.toRemote {
		m.fromRemote[strings.ToLower(name)] = status
	}
	return m, nil
}

// DefaultFieldMapper returns the mapper for the built-in Jira-style schema.
func DefaultFieldMapper() *FieldMapper {
	m, err := NewFieldMapper(MappingConfig{})
	if err != nil {
		panic(err)
	}
	return m
}

// CustomFields returns the declared custom field names in sorted order.
func (m *FieldMapper) CustomFields() []string {
	names := make([]string, 0, len(m.custom))
	for _, spec := range m.custom {
		names = append(names, spec.Local)
	}
	return names
}

// RemoteName returns the remote field name for a canonical field key.
func (m *FieldMapper) RemoteName(field string) (string, bool) {
	if spec, ok := m.core[field]; ok {
		return spec.Remote, true
	}
	if name, ok := customFieldName(field); ok {
		for _, spec := range m.custom {
			if spec.Local == name {
				return spec.Remote, true
			}
		}
	}
	return "", false
}

func (m *FieldMapper) StatusName(status Status) string {
	if name, ok := m.toRemote[status]; ok {
		return name
	}
	return m.toRemote[StatusToDo]
}

// ParseRemoteStatus maps a remote status name onto the enum. Unknown names
// map to ToDo with a warning.
func (m *FieldMapper) ParseRemoteStatus(raw any) (Status, *MappingError) {
	name := strings.ToLower(strings.TrimSpace(asString(raw)))
	if status, ok := m.fromRemote[name]; ok {
		return status, nil
	}
	if status, ok := ParseStatus(name); ok {
		return status, nil
	}
	return StatusToDo, &MappingError{Field: FieldStatus, Value: raw, Default: StatusToDo, Reason: "unknown remote status"}
}

func (m *FieldMapper) ToRemote(r CanonicalRecord) (RemoteFields, []MappingError) {
	out := RemoteFields{}
	var warnings []MappingError
	if r.ID != "" {
		out[m.idField] = r.ID
	}
	if r.Kind == KindEpic {
		out[m.kindField] = m.epicKind
	} else {
		out[m.kindField] = m.taskKind
	}
	for _, field := range []string{FieldName, FieldStatus, FieldDescription, FieldAssignee, FieldProgress, FieldUpdatedAt} {
		spec := m.core[field]
		value, warn := m.outbound(spec, field, r.Value(field))
		if warn != nil {
			warnings = append(warnings, *warn)
		}
		out[spec.Remote] = value
	}
	for _, spec := range m.custom {
		value, ok := r.CustomFields[spec.Local]
		if !ok {
			continue
		}
		converted, warn := m.outbound(spec, CustomFieldKey(spec.Local), value)
		if warn != nil {
			warnings = append(warnings, *warn)
		}
		out[spec.Remote] = converted
	}
	return out, warnings
}

// DeltaToRemote translates only the fields present in d.
func (m *FieldMapper) DeltaToRemote(d Delta) (RemoteFields, []MappingError) {
	out := RemoteFields{}
	var warnings []MappingError
	for _, field := range d.Fields() {
		var spec FieldSpec
		if core, ok := m.core[field]; ok {
			spec = core
		} else if name, ok := customFieldName(field); ok {
			found := false
			for _, candidate := range m.custom {
				if candidate.Local == name {
					spec, found = candidate, true
					break
				}
			}
			if !found {
				warnings = append(warnings, MappingError{Field: field, Value: d[field], Reason: "no remote mapping declared; field skipped"})
				continue
			}
		} else {
			warnings = append(warnings, MappingError{Field: field, Value: d[field], Reason: "unknown field; skipped"})
			continue
		}
		value, warn := m.outbound(spec, field, d[field])
		if warn != nil {
			warnings = append(warnings, *warn)
		}
		out[spec.Remote] = value
	}
	return out, warnings
}

func (m *FieldMapper) FromRemote(f RemoteFields) (CanonicalRecord, []MappingError) {
	var warnings []MappingError
	warn := func(w *MappingError) {
		if w != nil {
			warnings = append(warnings, *w)
		}
	}
	r := CanonicalRecord{
		ID:   strings.TrimSpace(asString(f[m.idField])),
		Kind: KindTask,
	}
	if raw, ok := f[m.kindField]; ok && strings.EqualFold(strings.TrimSpace(asString(raw)), m.epicKind) {
		r.Kind = KindEpic
	}

	for _, field := range []string{FieldName, FieldStatus, FieldDescription, FieldAssignee, FieldProgress, FieldUpdatedAt} {
		spec := m.core[field]
		value, w := m.inbound(spec, field, f[spec.Remote])
		warn(w)
		r.set(field, value)
	}
	for _, spec := range m.custom {
		raw, ok := f[spec.Remote]
		if !ok || raw == nil {
			continue
		}
		value, w := m.inbound(spec, CustomFieldKey(spec.Local), raw)
		warn(w)
		if r.CustomFields == nil {
			r.CustomFields = map[string]any{}
		}
		r.CustomFields[spec.Local] = value
	}
	return r, warnings
}

// NormalizeCustomFields applies the declared inbound transforms to a local
// record's custom fields so both sides compare in the same representation.
func (m *FieldMapper) NormalizeCustomFields(r CanonicalRecord) (CanonicalRecord, []MappingError) {
	if len(r.CustomFields) == 0 {
		return r, nil
	}
	out := r.Clone()
	var warnings []MappingError
	for _, spec := range m.custom {
		raw, ok := out.CustomFields[spec.Local]
		if !ok {
			continue
		}
		value, w := m.inbound(spec, CustomFieldKey(spec.Local), raw)
		if w != nil {
			warnings = append(warnings, *w)
		}
		out.CustomFields[spec.Local] = value
	}
	return out, warnings
}

func (m *FieldMapper) outbound(spec FieldSpec, field string, value any) (any, *MappingError) {
	switch spec.Transform {
	case TransformStatusMap:
		status, ok := value.(Status)
		if !ok {
			if parsed, parsedOK := ParseStatus(asString(value)); parsedOK {
				status, ok = parsed, true
			}
		}
		if !ok || !status.Valid() {
			return m.toRemote[StatusToDo], &MappingError{Field: field, Value: value, Default: StatusToDo, Reason: "status outside enum"}
		}
		return m.toRemote[status], nil
	case TransformDatetime:
		ts, warn := transformDatetime(field, value)
		if ts.IsZero() {
			return nil, warn
		}
		return ts.UTC().Format(time.RFC3339), warn
	case TransformURL:
		return transformURL(field, value)
	default:
		return m.inbound(spec, field, value)
	}
}

func (m *FieldMapper) inbound(spec FieldSpec, field string, value any) (any, *MappingError) {
	switch spec.Transform {
	case TransformStatusMap:
		if value == nil {
			return StatusToDo, &MappingError{Field: field, Default: StatusToDo, Reason: "missing status"}
		}
		status, warn := m.ParseRemoteStatus(value)
		if warn != nil {
			warn.Field = field
		}
		return status, warn
	case TransformPercentage:
		return transformPercentage(field, value)
	case TransformDatetime:
		ts, warn := transformDatetime(field, value)
		return ts, warn
	case TransformBoolean:
		return transformBoolean(field, value)
	case TransformArray:
		return transformArray(field, value)
	case TransformURL:
		return transformURL(field, value)
	default:
		if value == nil {
			return "", nil
		}
		if field == FieldName || field == FieldDescription || field == FieldAssignee {
			return asString(value), nil
		}
		return cloneValue(value), nil
	}
}

func transformPercentage(field string, value any) (int, *MappingError) {
	if value == nil {
		return 0, nil
	}
	var n float64
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "%"))
		if trimmed == "" {
			return 0, nil
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, &MappingError{Field: field, Value: value, Default: 0, Reason: "malformed percentage"}
		}
		n = parsed
	default:
		parsed, ok := asFloat(value)
		if !ok {
			return 0, &MappingError{Field: field, Value: value, Default: 0, Reason: "malformed percentage"}
		}
		n = parsed
	}
	if math.IsNaN(n) {
		return 0, &MappingError{Field: field, Value: value, Default: 0, Reason: "malformed percentage"}
	}
	// Clamp before converting: int() of a float beyond the int range is
	// implementation defined.
	rounded := math.Round(n)
	if rounded < 0 || rounded > 100 {
		clamped := int(math.Max(0, math.Min(100, rounded)))
		return clamped, &MappingError{Field: field, Value: value, Default: clamped, Reason: "percentage out of range; clamped"}
	}
	return int(rounded), nil
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func transformDatetime(field string, value any) (time.Time, *MappingError) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v.UTC(), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return time.Time{}, nil
		}
		for _, layout := range datetimeLayouts {
			if ts, err := time.Parse(layout, trimmed); err == nil {
				return ts.UTC(), nil
			}
		}
	}
	if n, ok := asFloat(value); ok && n > 0 && n < math.MaxInt64 {
		// epoch milliseconds
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	return time.Time{}, &MappingError{Field: field, Value: value, Default: time.Time{}, Reason: "malformed datetime"}
}

func transformBoolean(field string, value any) (bool, *MappingError) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "on", "1", "y":
			return true, nil
		case "false", "no", "off", "0", "n", "":
			return false, nil
		}
	}
	if n, ok := asFloat(value); ok {
		return n != 0, nil
	}
	return false, &MappingError{Field: field, Value: value, Default: false, Reason: "malformed boolean"}
}

func transformArray(field string, value any) ([]string, *MappingError) {
	switch v := value.(type) {
	case nil:
		return []string{}, nil
	case []string:
		return append([]string{}, v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch item.(type) {
			case map[string]any, []any:
				return []string{}, &MappingError{Field: field, Value: value, Default: []string{}, Reason: "array items must be scalars"}
			}
			out = append(out, asString(item))
		}
		return out, nil
	case string:
		out := []string{}
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out, nil
	}
	return []string{}, &MappingError{Field: field, Value: value, Default: []string{}, Reason: "malformed array"}
}

func transformURL(field string, value any) (string, *MappingError) {
	raw, ok := value.(string)
	if value == nil || (ok && strings.TrimSpace(raw) == "") {
		return "", nil
	}
	if !ok {
		return "", &MappingError{Field: field, Value: value, Default: "", Reason: "url must be a string"}
	}
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", &MappingError{Field: field, Value: value, Default: "", Reason: "malformed url"}
	}
	return parsed.String(), nil
}
