package engine

import (
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariyn/cdcview/internal/dbsp/ir"
	"github.com/ariyn/cdcview/internal/dbsp/op"
	"github.com/ariyn/cdcview/internal/dbsp/state"
	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// Engine maintains an incremental two-table equi-join.
//
// Deltas are staged per logical time with Feed and only processed when the
// clock moves past their time with AdvanceTo. Each time is one step: its
// deltas are applied in arrival order against the join state, and the
// resulting output deltas are consolidated before they are returned.
//
// Engine is single-owner: it is driven by one worker and is not safe for
// concurrent use.
type Engine struct {
	plan   *ir.JoinPlan
	logger log.Logger

	store  *state.Store
	index  *op.JoinIndex
	filter op.Predicate

	frontier uint64
	pending  map[uint64][]types.BufferedItem
	staged   int

	emitted       *prometheus.CounterVec
	frontierGauge prometheus.Gauge
	pendingGauge  prometheus.Gauge
}

// New builds an engine for plan.
func New(plan *ir.JoinPlan, logger log.Logger, reg prometheus.Registerer) *Engine {
	logger = log.With(logger, "component", "join-engine")
	e := &Engine{
		plan:    plan,
		logger:  logger,
		store:   state.NewStore(logger, reg),
		index:   op.NewJoinIndex(),
		filter:  op.CompileFilter(plan.Filter),
		pending: make(map[uint64][]types.BufferedItem),
		emitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "emitted_deltas_total",
			Help:      "Total number of output deltas emitted by the join.",
		}, []string{"kind"}),
		frontierGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "cdcview",
			Name:      "engine_frontier",
			Help:      "Logical time the join engine has advanced to.",
		}),
		pendingGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "cdcview",
			Name:      "engine_staged_deltas",
			Help:      "Deltas fed to the engine and waiting for the clock to pass their time.",
		}),
	}
	// The store side for each table exists from the start.
	e.store.Side(plan.Root.Table)
	e.store.Side(plan.Foreign.Table)
	return e
}

func (e *Engine) Plan() *ir.JoinPlan { return e.plan }

func (e *Engine) Store() *state.Store { return e.store }

// Frontier returns the time the clock has advanced to. Every time below it
// has been processed.
func (e *Engine) Frontier() uint64 { return e.frontier }

// Staged returns the number of deltas waiting to be processed.
func (e *Engine) Staged() int { return e.staged }

// Feed stages one buffered delta. A delta below the frontier can no longer be
// applied and fails with a ClockRegression fault.
func (e *Engine) Feed(item types.BufferedItem) error {
	if _, ok := e.plan.Side(item.Table); !ok {
		return fmt.Errorf("table %s is not part of the join", item.Table)
	}
	if item.Time < e.frontier {
		return types.NewClockRegression(item.Table, item.Time, e.frontier)
	}
	if item.Count == 0 {
		return nil
	}
	e.pending[item.Time] = append(e.pending[item.Time], item)
	e.staged++
	e.pendingGauge.Set(float64(e.staged))
	return nil
}

// AdvanceTo processes every staged time below t in ascending order and moves
// the frontier to t. Advancing to a time at or below the frontier is a no-op.
func (e *Engine) AdvanceTo(t uint64) []types.OutputDelta {
	if t <= e.frontier {
		return nil
	}

	var times []uint64
	for pt := range e.pending {
		if pt < t {
			times = append(times, pt)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	var out []types.OutputDelta
	for _, pt := range times {
		items := e.pending[pt]
		delete(e.pending, pt)
		e.staged -= len(items)
		out = append(out, e.step(items)...)
	}

	e.frontier = t
	e.frontierGauge.Set(float64(t))
	e.pendingGauge.Set(float64(e.staged))
	for _, d := range out {
		if d.Count > 0 {
			e.emitted.WithLabelValues("insert").Inc()
		} else {
			e.emitted.WithLabelValues("delete").Inc()
		}
	}
	return out
}

func (e *Engine) step(items []types.BufferedItem) []types.OutputDelta {
	z := op.NewZSet()
	for _, item := range items {
		e.apply(item, z)
	}
	return z.Drain()
}

func (e *Engine) apply(item types.BufferedItem, z *op.ZSet) {
	kind := op.ForeignSide
	if item.Table == e.plan.Root.Table {
		kind = op.RootSide
	}
	side := e.store.Side(item.Table)
	key := item.Element.PrimaryKey

	if item.Count < 0 {
		entry, err := e.store.Take(item.Table, key, item.Time)
		if err != nil {
			return
		}
		e.update(kind, key, entry, item.Time, -1, z)
		return
	}

	if old, ok := side.Get(key); ok {
		// A second insert for a live key replaces the old binding.
		level.Debug(e.logger).Log("msg", "insert for present key, replacing", "table", item.Table, "key", uint64(key), "time", item.Time)
		if _, err := side.Take(key, item.Time); err == nil {
			e.update(kind, key, old, item.Time, -1, z)
		}
	}
	entry := state.Entry{ForeignKey: item.Element.ForeignKey, Record: item.Element.Record}
	side.Put(key, entry.ForeignKey, entry.Record)
	e.update(kind, key, entry, item.Time, 1, z)
}

// update moves one binding in or out of the join index and emits the
// matching output deltas.
func (e *Engine) update(kind op.JoinSide, key types.Key, entry state.Entry, t uint64, count int64, z *op.ZSet) {
	joinKey, ok := e.joinKey(kind, key, entry)
	if !ok {
		return
	}
	e.index.Apply(kind, joinKey, key, count)

	for _, m := range e.index.Match(kind, joinKey) {
		var (
			rootKey, foreignKey     types.Key
			rootEntry, foreignEntry state.Entry
		)
		if kind == op.RootSide {
			other, err := e.store.Lookup(e.plan.Foreign.Table, m.Key, t)
			if err != nil {
				continue
			}
			rootKey, rootEntry = key, entry
			foreignKey, foreignEntry = m.Key, other
		} else {
			other, err := e.store.Lookup(e.plan.Root.Table, m.Key, t)
			if err != nil {
				continue
			}
			rootKey, rootEntry = m.Key, other
			foreignKey, foreignEntry = key, entry
		}

		merged := op.Merge(e.plan.Root.Table, rootEntry.Record, e.plan.Foreign.Table, foreignEntry.Record)
		if !e.filter(merged) {
			continue
		}
		z.Add(types.OutputDelta{
			Key:        types.JoinKey{Left: rootKey, Right: foreignKey},
			ForeignKey: foreignEntry.ForeignKey,
			Record:     op.Project(merged, e.plan.Columns),
			Time:       t,
			Count:      count * m.Count,
		})
	}
}

// joinKey returns the key a binding is indexed under: the primary key on the
// root side, the foreign key on the foreign side. A foreign row without a
// foreign key joins with nothing.
func (e *Engine) joinKey(kind op.JoinSide, key types.Key, entry state.Entry) (types.Key, bool) {
	if kind == op.RootSide {
		return key, true
	}
	if entry.ForeignKey == nil {
		return 0, false
	}
	return *entry.ForeignKey, true
}
