package conflict

import (
	"fmt"
	"regexp"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// Side names which copy wins a plain field conflict during a merge.
type Side string

const (
	SideRemote Side = "remote"
	SideLocal  Side = "local"
)

// Default heuristics for strategy selection and merging. Timestamp names
// match on a whole word at the end of the name (updated_at, updatedAt,
// admissionDate, event_time), not on substrings such as candidate.
const (
	DefaultTimestampPattern = `(?i:(^|_)(timestamp|datetime|date|time))$|_at$|[a-z]At$|[a-z0-9](Timestamp|Date|Time)$`
	DefaultCountPattern     = `(?i)(count|quantity|qty|total)`
	DefaultMergeFieldLimit  = 3
)

// Policy holds the tunable inputs of strategy selection and merging.
type Policy struct {
	// CriticalEntityTypes always require a human decision.
	CriticalEntityTypes []string
	// Overrides pins a strategy per entity type, bypassing the heuristics.
	Overrides map[string]models.ConflictStrategy
	// TimestampPattern matches field names holding points in time.
	TimestampPattern *regexp.Regexp
	// CountPattern matches numeric field names that only grow.
	CountPattern *regexp.Regexp
	// MergeFieldLimit is the largest diff resolved by merging.
	MergeFieldLimit int
	// MergeDefault wins plain conflicting fields during a merge.
	MergeDefault Side
}

// DefaultPolicy returns the built-in heuristics with no critical types.
func DefaultPolicy() Policy {
	return Policy{
		TimestampPattern: regexp.MustCompile(DefaultTimestampPattern),
		CountPattern:     regexp.MustCompile(DefaultCountPattern),
		MergeFieldLimit:  DefaultMergeFieldLimit,
		MergeDefault:     SideRemote,
	}
}

// CustomFunc resolves a conflict for the Custom strategy.
type CustomFunc func(c *models.SyncConflict) (models.Payload, error)

// Resolver selects and applies resolution strategies. It holds no mutable
// state and is safe for concurrent use.
type Resolver struct {
	policy   Policy
	critical map[string]bool
	custom   CustomFunc
	now      func() time.Time
}

// NewResolver creates a resolver. Zero-valued policy fields fall back to defaults.
func NewResolver(p Policy, custom CustomFunc, now func() time.Time) *Resolver {
	def := DefaultPolicy()
	if p.TimestampPattern == nil {
		p.TimestampPattern = def.TimestampPattern
	}
	if p.CountPattern == nil {
		p.CountPattern = def.CountPattern
	}
	if p.MergeFieldLimit <= 0 {
		p.MergeFieldLimit = def.MergeFieldLimit
	}
	if p.MergeDefault != SideLocal {
		p.MergeDefault = SideRemote
	}
	if now == nil {
		now = time.Now
	}
	critical := make(map[string]bool, len(p.CriticalEntityTypes))
	for _, t := range p.CriticalEntityTypes {
		critical[t] = true
	}
	return &Resolver{policy: p, critical: critical, custom: custom, now: now}
}

// Policy returns the effective policy.
func (r *Resolver) Policy() Policy { return r.policy }

// SelectStrategy picks a strategy from the conflict content alone.
func (r *Resolver) SelectStrategy(c *models.SyncConflict) models.ConflictStrategy {
	if s, ok := r.policy.Overrides[c.EntityType]; ok {
		return s
	}
	if r.critical[c.EntityType] {
		return models.StrategyManual
	}
	if len(c.Differences) == 1 && r.policy.TimestampPattern.MatchString(c.Differences[0].Field) {
		return models.StrategyRemoteWins
	}
	if len(c.Differences) <= r.policy.MergeFieldLimit {
		return models.StrategyMerge
	}
	return models.StrategyLocalWins
}

// Resolve applies strategy to c. A Manual resolution keeps the local payload
// and is left pending: its ResolvedBy is empty until a decision is supplied.
func (r *Resolver) Resolve(c *models.SyncConflict, strategy models.ConflictStrategy) (*models.ConflictResolution, error) {
	res := &models.ConflictResolution{
		ConflictID:  c.ID,
		OperationID: c.OperationID,
		EntityType:  c.EntityType,
		EntityID:    c.EntityID,
		Strategy:    strategy,
		ResolvedAt:  r.now(),
		ResolvedBy:  models.ResolvedBySystem,
	}
	switch strategy {
	case models.StrategyLocalWins:
		res.ResolvedPayload = c.LocalPayload.Clone()
	case models.StrategyRemoteWins:
		res.ResolvedPayload = c.RemotePayload.Clone()
	case models.StrategyMerge:
		res.ResolvedPayload = r.Merge(c.LocalPayload, c.RemotePayload)
	case models.StrategyManual:
		res.ResolvedPayload = c.LocalPayload.Clone()
		res.ResolvedBy = ""
	case models.StrategyCustom:
		if r.custom == nil {
			res.ResolvedPayload = c.LocalPayload.Clone()
			break
		}
		p, err := r.custom(c)
		if err != nil {
			return nil, fmt.Errorf("custom resolution for %s/%s: %w", c.EntityType, c.EntityID, err)
		}
		res.ResolvedPayload = p.Clone()
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	return res, nil
}

// Merge combines two payloads field by field. Fields present on one side
// only are kept. For fields on both sides: lists are unioned, timestamps
// take the later value, count-like numbers take the maximum, and anything
// else takes the policy's default side.
func (r *Resolver) Merge(local, remote models.Payload) models.Payload {
	out := remote.Clone()
	for field, lv := range local {
		rv, ok := remote[field]
		if !ok {
			out[field] = lv
			continue
		}
		out[field] = r.mergeField(field, lv, rv)
	}
	return out
}

func (r *Resolver) mergeField(field string, lv, rv models.Value) models.Value {
	if lv.Equal(rv) {
		return lv
	}
	if ll, ok := lv.AsList(); ok {
		if rl, ok := rv.AsList(); ok {
			return unionList(ll, rl)
		}
	}
	if r.policy.TimestampPattern.MatchString(field) {
		lt, lok := parseTime(lv)
		rt, rok := parseTime(rv)
		if lok && rok {
			if lt.After(rt) {
				return lv
			}
			return rv
		}
	}
	if r.policy.CountPattern.MatchString(field) {
		ln, lok := lv.AsNumber()
		rn, rok := rv.AsNumber()
		if lok && rok {
			if ln > rn {
				return lv
			}
			return rv
		}
	}
	if r.policy.MergeDefault == SideLocal {
		return lv
	}
	return rv
}

// unionList keeps local order and appends remote items not already present.
func unionList(local, remote []models.Value) models.Value {
	out := make([]models.Value, 0, len(local)+len(remote))
	add := func(v models.Value) {
		for _, have := range out {
			if have.Equal(v) {
				return
			}
		}
		out = append(out, v)
	}
	for _, v := range local {
		add(v)
	}
	for _, v := range remote {
		add(v)
	}
	return models.List(out...)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime reads a timestamp from an RFC 3339 style string or a unix epoch
// number. Epoch values above 1e12 are taken as milliseconds.
func parseTime(v models.Value) (time.Time, bool) {
	if n, ok := v.AsNumber(); ok {
		if n > 1e12 {
			return time.UnixMilli(int64(n)), true
		}
		return time.Unix(int64(n), 0), true
	}
	s, ok := v.AsString()
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
