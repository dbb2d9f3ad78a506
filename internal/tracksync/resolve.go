package tracksync

import (
	"fmt"
	"strings"
)

type Strategy string

const (
	StrategyLocalWins  Strategy = "local_wins"
	StrategyRemoteWins Strategy = "remote_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
	StrategyNewerWins  Strategy = "newer_wins"
)

// Strategies lists every accepted strategy name.
func Strategies() []Strategy {
	return []Strategy{StrategyLocalWins, StrategyRemoteWins, StrategyMerge, StrategyManual, StrategyNewerWins}
}

func ParseStrategy(raw string) (Strategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for _, s := range Strategies() {
		if string(s) == normalized {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, raw)
}

// MergeMarker separates the local and remote halves of a merged description.
const MergeMarker = "<!-- tracksync: merged from remote -->"

// DeferralSink durably records a report parked for manual review and
// returns its deferral id.
type DeferralSink interface {
	Defer(report ConflictReport) (string, error)
}

// Resolution is the outcome of applying a strategy to a report. LocalDelta
// holds the fields the local record must take, RemoteDelta the fields the
// remote record must take.
type Resolution struct {
	EntityID    string          `json:"entityId"`
	Strategy    Strategy        `json:"strategy"`
	Merged      CanonicalRecord `json:"merged"`
	LocalDelta  Delta           `json:"localDelta,omitempty"`
	RemoteDelta Delta           `json:"remoteDelta,omitempty"`
	Deferred    bool            `json:"deferred"`
	DeferralID  string          `json:"deferralId,omitempty"`

	fields []string
	local  CanonicalRecord
	remote CanonicalRecord
}

// AsReport describes the state both sides reach once the deltas are applied.
func (r Resolution) AsReport() ConflictReport {
	if r.Deferred {
		return diffReport(r.EntityID, r.fields, r.local, r.remote)
	}
	return diffReport(r.EntityID, r.fields, ApplyDelta(r.local, r.LocalDelta), ApplyDelta(r.remote, r.RemoteDelta))
}

type Resolver struct {
	sink DeferralSink
}

// NewResolver returns a resolver. sink may be nil when the manual strategy
// is never used.
func NewResolver(sink DeferralSink) *Resolver {
	return &Resolver{sink: sink}
}

// Resolve applies strategy to report. It never reads the clock, so equal
// inputs always produce equal resolutions.
func (r *Resolver) Resolve(report ConflictReport, strategy Strategy) (Resolution, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return Resolution{}, err
	}
	res := Resolution{
		EntityID:    report.EntityID,
		Strategy:    strategy,
		LocalDelta:  Delta{},
		RemoteDelta: Delta{},
		fields:      append([]string(nil), report.Fields...),
		local:       report.Local.Clone(),
		remote:      report.Remote.Clone(),
	}
	merged := report.Local.Clone()
	if report.Remote.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = report.Remote.UpdatedAt
	}
	if report.Empty() {
		res.Merged = merged
		return res, nil
	}

	if strategy == StrategyManual {
		if r == nil || r.sink == nil {
			return Resolution{}, fmt.Errorf("%w: manual strategy requires a deferral log", ErrInvalidInput)
		}
		id, err := r.sink.Defer(report)
		if err != nil {
			return Resolution{}, fmt.Errorf("record deferral for %s: %w", report.EntityID, err)
		}
		res.Deferred = true
		res.DeferralID = id
		res.Merged = report.Local.Clone()
		return res, nil
	}

	for _, c := range report.Conflicts {
		chosen := choose(strategy, c)
		merged.set(c.Field, chosen)
		after := merged.Value(c.Field)
		if !valuesEqual(after, c.LocalValue) {
			res.LocalDelta[c.Field] = after
		}
		if !valuesEqual(after, c.RemoteValue) {
			res.RemoteDelta[c.Field] = after
		}
	}
	res.Merged = merged
	return res, nil
}

func choose(strategy Strategy, c Conflict) any {
	switch strategy {
	case StrategyLocalWins:
		return c.LocalValue
	case StrategyRemoteWins:
		return c.RemoteValue
	case StrategyNewerWins:
		switch {
		case c.Kind == ConflictConcurrentModification:
			return mergeField(c)
		case c.LocalChanged && !c.RemoteChanged:
			return c.LocalValue
		case c.RemoteChanged && !c.LocalChanged:
			return c.RemoteValue
		case c.NewerSide == SideRemote:
			return c.RemoteValue
		default:
			return c.LocalValue
		}
	default:
		return mergeField(c)
	}
}

func mergeField(c Conflict) any {
	switch c.Field {
	case FieldProgress:
		l, _ := asInt(c.LocalValue)
		r, _ := asInt(c.RemoteValue)
		if r > l {
			return r
		}
		return l
	case FieldStatus:
		return mergeStatus(toStatus(c.LocalValue), toStatus(c.RemoteValue))
	case FieldDescription:
		return mergeDescription(asString(c.LocalValue), asString(c.RemoteValue))
	default:
		return c.LocalValue
	}
}

func toStatus(v any) Status {
	switch t := v.(type) {
	case Status:
		return t
	case string:
		if s, ok := ParseStatus(t); ok {
			return s
		}
	}
	return StatusToDo
}

// mergeStatus keeps the status furthest along the lifecycle. Ties keep the
// local value.
func mergeStatus(local, remote Status) Status {
	if remote.Rank() > local.Rank() {
		return remote
	}
	return local
}

func mergeDescription(local, remote string) string {
	l, r := strings.TrimSpace(local), strings.TrimSpace(remote)
	switch {
	case l == r, r == "":
		return local
	case l == "":
		return remote
	case strings.Contains(l, r):
		return local
	case strings.Contains(r, l):
		return remote
	}
	return l + "\n\n" + MergeMarker + "\n" + r
}
