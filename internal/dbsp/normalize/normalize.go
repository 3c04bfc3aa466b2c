package normalize

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// ToChange resolves the identity, operation and optional foreign key of a raw
// change. fkColumn is empty unless the table is the foreign side of the join.
func ToChange(raw types.RawChange, fkColumn string) (types.Change, error) {
	op, ok := types.ParseOp(raw.Action)
	if !ok {
		if raw.Action == "" {
			return types.Change{}, types.NewMalformedEvent(raw.Table, raw.XID, "missing action")
		}
		return types.Change{}, types.NewMalformedEvent(raw.Table, raw.XID, fmt.Sprintf("unknown action %q", raw.Action))
	}

	payload := columnsToRecord(raw.Columns)

	key, err := identityKey(raw, payload)
	if err != nil {
		return types.Change{}, types.NewMalformedEvent(raw.Table, raw.XID, err.Error())
	}

	change := types.Change{
		Table:      raw.Table,
		PrimaryKey: key,
		NewKey:     key,
		Time:       raw.XID,
		Op:         op,
	}
	if op == types.OpDelete {
		return change, nil
	}

	change.Payload = payload
	if op == types.OpUpdate && len(raw.Identity) > 0 {
		// The row may have been re-keyed; the new key comes from the new payload.
		if nk, err := columnKey(raw.PrimaryKey, payload); err == nil {
			change.NewKey = nk
		}
	}

	if fkColumn != "" {
		if v, ok := payload[fkColumn]; ok && v != nil {
			fk, err := ResolveKey(v)
			if err != nil {
				return types.Change{}, types.NewMalformedEvent(raw.Table, raw.XID, fmt.Sprintf("foreign key %s: %v", fkColumn, err))
			}
			change.ForeignKey = &fk
		}
	}
	return change, nil
}

// Deltas expands a canonical change into the deltas the join consumes.
// An update becomes a retraction followed by an assertion at the same time.
func Deltas(c types.Change) []types.Delta {
	switch c.Op {
	case types.OpInsert:
		return []types.Delta{{
			Element: types.Element{PrimaryKey: c.NewKey, ForeignKey: c.ForeignKey, Record: c.Payload},
			Time:    c.Time,
			Count:   1,
		}}
	case types.OpUpdate:
		return []types.Delta{
			{Element: types.Element{PrimaryKey: c.PrimaryKey}, Time: c.Time, Count: -1},
			{Element: types.Element{PrimaryKey: c.NewKey, ForeignKey: c.ForeignKey, Record: c.Payload}, Time: c.Time, Count: 1},
		}
	case types.OpDelete:
		return []types.Delta{{Element: types.Element{PrimaryKey: c.PrimaryKey}, Time: c.Time, Count: -1}}
	}
	return nil
}

// Normalize converts a raw change into deltas.
func Normalize(raw types.RawChange, fkColumn string) ([]types.Delta, error) {
	c, err := ToChange(raw, fkColumn)
	if err != nil {
		return nil, err
	}
	return Deltas(c), nil
}

func identityKey(raw types.RawChange, payload types.Record) (types.Key, error) {
	if len(raw.Identity) > 0 {
		values := make([]any, 0, len(raw.Identity))
		for _, c := range raw.Identity {
			values = append(values, c.Value)
		}
		k, err := ResolveCompositeKey(values)
		if err != nil {
			return 0, fmt.Errorf("identity: %w", err)
		}
		return k, nil
	}
	if len(raw.PrimaryKey) == 0 {
		return 0, fmt.Errorf("missing identity")
	}
	return columnKey(raw.PrimaryKey, payload)
}

func columnKey(names []string, payload types.Record) (types.Key, error) {
	if len(names) == 0 {
		return 0, fmt.Errorf("missing identity")
	}
	values := make([]any, 0, len(names))
	for _, name := range names {
		v, ok := payload[name]
		if !ok {
			return 0, fmt.Errorf("identity column %s not in payload", name)
		}
		values = append(values, v)
	}
	k, err := ResolveCompositeKey(values)
	if err != nil {
		return 0, fmt.Errorf("identity: %w", err)
	}
	return k, nil
}

func columnsToRecord(cols []types.Column) types.Record {
	if len(cols) == 0 {
		return nil
	}
	r := make(types.Record, len(cols))
	for _, c := range cols {
		r[c.Name] = c.Value
	}
	return r
}

// Normalizer wraps Normalize with logging and counters. Malformed events are
// dropped: they are logged at error level and counted, never retried.
type Normalizer struct {
	logger log.Logger

	normalized *prometheus.CounterVec
	malformed  *prometheus.CounterVec
}

func New(logger log.Logger, reg prometheus.Registerer) *Normalizer {
	return &Normalizer{
		logger: log.With(logger, "component", "normalizer"),
		normalized: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "normalized_changes_total",
			Help:      "Total number of raw changes normalized into deltas.",
		}, []string{"table", "op"}),
		malformed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "malformed_events_total",
			Help:      "Total number of raw changes dropped as malformed.",
		}, []string{"table"}),
	}
}

// Apply returns the deltas for raw, or nil and the fault when the change is malformed.
func (n *Normalizer) Apply(raw types.RawChange, fkColumn string) ([]types.Delta, error) {
	c, err := ToChange(raw, fkColumn)
	if err != nil {
		n.malformed.WithLabelValues(raw.Table).Inc()
		level.Error(n.logger).Log("msg", "dropping malformed change", "table", raw.Table, "xid", raw.XID, "err", err)
		return nil, err
	}
	n.normalized.WithLabelValues(raw.Table, c.Op.String()).Inc()
	return Deltas(c), nil
}
