package tracksync

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/tracksync/internal/fsutil"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// LocalStore reads and writes the local side of each entity.
type LocalStore interface {
	Read(entityID string) (CanonicalRecord, error)
	Write(entityID string, record CanonicalRecord) error
}

// WarningReader is implemented by local stores that decode leniently. A
// field holding a value the store cannot use is replaced with its default
// and reported instead of failing the read.
type WarningReader interface {
	ReadWithWarnings(entityID string) (CanonicalRecord, []MappingError, error)
}

// EntityLister is implemented by local stores that can enumerate entities.
type EntityLister interface {
	List() ([]string, error)
}

const recordExt = ".md"

type recordFrontmatter struct {
	Kind     string         `yaml:"kind"`
	Name     string         `yaml:"name"`
	Status   string         `yaml:"status,omitempty"`
	Assignee string         `yaml:"assignee,omitempty"`
	Progress any            `yaml:"progress"`
	Updated  any            `yaml:"updated,omitempty"`
	Fields   map[string]any `yaml:"fields,omitempty"`
}

// MarkdownStore keeps one <id>.md file per entity: YAML frontmatter for the
// structured fields and the markdown body as the description.
type MarkdownStore struct {
	root   string
	schema *jsonschema.Schema
}

func NewMarkdownStore(root string) (*MarkdownStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: local root is required", ErrInvalidInput)
	}
	sch, err := compileFrontmatterSchema()
	if err != nil {
		return nil, err
	}
	return &MarkdownStore{root: filepath.Clean(root), schema: sch}, nil
}

func (s *MarkdownStore) Root() string { return s.root }

func (s *MarkdownStore) Path(entityID string) (string, error) {
	id := strings.TrimSpace(entityID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: invalid entity id %q", ErrInvalidInput, entityID)
	}
	return filepath.Join(s.root, id+recordExt), nil
}

func (s *MarkdownStore) Read(entityID string) (CanonicalRecord, error) {
	record, _, err := s.ReadWithWarnings(entityID)
	return record, err
}

// ReadWithWarnings decodes the record file. Structural problems (no
// frontmatter, YAML that does not parse, a missing name) are errors; a bad
// status, progress or updated value falls back to its default and comes
// back as a warning.
func (s *MarkdownStore) ReadWithWarnings(entityID string) (CanonicalRecord, []MappingError, error) {
	path, err := s.Path(entityID)
	if err != nil {
		return CanonicalRecord{}, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CanonicalRecord{}, nil, fmt.Errorf("local record %s: %w", entityID, ErrNotFound)
		}
		return CanonicalRecord{}, nil, err
	}
	record, warnings, err := s.decode(entityID, data)
	if err != nil {
		return CanonicalRecord{}, nil, fmt.Errorf("local record %s: %w", entityID, err)
	}
	if record.UpdatedAt.IsZero() {
		if info, statErr := os.Stat(path); statErr == nil {
			record.UpdatedAt = info.ModTime().UTC()
		}
	}
	return record, warnings, nil
}

func (s *MarkdownStore) Write(entityID string, record CanonicalRecord) error {
	path, err := s.Path(entityID)
	if err != nil {
		return err
	}
	record.ID = entityID
	if err := record.Validate(); err != nil {
		return err
	}
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

func (s *MarkdownStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// EntityIDForPath returns the entity id for a record file inside the store.
func (s *MarkdownStore) EntityIDForPath(path string) (string, bool) {
	if filepath.Dir(filepath.Clean(path)) != s.root {
		return "", false
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
		return "", false
	}
	return strings.TrimSuffix(name, recordExt), true
}

func (s *MarkdownStore) decode(entityID string, data []byte) (CanonicalRecord, []MappingError, error) {
	head, body, err := splitFrontmatter(data)
	if err != nil {
		return CanonicalRecord{}, nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(head, &raw); err != nil {
		return CanonicalRecord{}, nil, fmt.Errorf("%w: frontmatter: %v", ErrInvalidInput, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validateFrontmatter(s.schema, raw); err != nil {
		return CanonicalRecord{}, nil, err
	}
	var fm recordFrontmatter
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return CanonicalRecord{}, nil, fmt.Errorf("%w: frontmatter: %v", ErrInvalidInput, err)
	}

	var warnings []MappingError
	status, ok := ParseStatus(fm.Status)
	if !ok {
		status = StatusToDo
		warnings = append(warnings, MappingError{Field: FieldStatus, Value: fm.Status, Default: status, Reason: "unknown status"})
	}
	progress, warn := transformPercentage(FieldProgress, fm.Progress)
	if warn != nil {
		warnings = append(warnings, *warn)
	}
	updated, warn := transformDatetime(FieldUpdatedAt, fm.Updated)
	if warn != nil {
		warnings = append(warnings, *warn)
	}
	record := CanonicalRecord{
		ID:          entityID,
		Kind:        ParseKind(fm.Kind),
		Name:        strings.TrimSpace(fm.Name),
		Status:      status,
		Description: strings.TrimSpace(string(body)),
		Assignee:    strings.TrimSpace(fm.Assignee),
		Progress:    progress,
		UpdatedAt:   updated,
	}
	if len(fm.Fields) > 0 {
		record.CustomFields = make(map[string]any, len(fm.Fields))
		for key, value := range fm.Fields {
			record.CustomFields[key] = value
		}
	}
	return record, warnings, nil
}

func encodeRecord(record CanonicalRecord) ([]byte, error) {
	fm := recordFrontmatter{
		Kind:     string(record.Kind),
		Name:     record.Name,
		Status:   string(record.Status),
		Assignee: record.Assignee,
		Progress: formatProgress(record.Progress),
	}
	if !record.UpdatedAt.IsZero() {
		fm.Updated = record.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if len(record.CustomFields) > 0 {
		fm.Fields = make(map[string]any, len(record.CustomFields))
		for key, value := range record.CustomFields {
			if ts, ok := value.(time.Time); ok {
				value = ts.UTC().Format(time.RFC3339)
			}
			fm.Fields[key] = value
		}
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n")
	if desc := strings.TrimSpace(record.Description); desc != "" {
		buf.WriteString("\n")
		buf.WriteString(desc)
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

func splitFrontmatter(data []byte) (head, body []byte, err error) {
	text := bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	text = bytes.ReplaceAll(text, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(text, []byte("---\n")) {
		return nil, nil, fmt.Errorf("%w: missing frontmatter", ErrInvalidInput)
	}
	rest := text[len("---\n"):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		if bytes.HasPrefix(rest, []byte("---")) {
			return nil, trimAfterFence(rest[len("---"):]), nil
		}
		return nil, nil, fmt.Errorf("%w: unterminated frontmatter", ErrInvalidInput)
	}
	return rest[:end+1], trimAfterFence(rest[end+len("\n---"):]), nil
}

func trimAfterFence(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[i+1:]
	}
	return nil
}
