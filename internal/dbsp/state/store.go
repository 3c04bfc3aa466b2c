package state

import (
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// Entry is the last known binding of a key on one side of the join
type Entry struct {
	ForeignKey *types.Key
	Record     types.Record
}

// Side maps primary key -> (foreign key, record) for one joined table.
// It is owned by the engine worker and is not safe for concurrent use.
type Side struct {
	table string
	rows  map[types.Key]Entry
}

// NewSide creates an empty side for table
func NewSide(table string) *Side {
	return &Side{table: table, rows: make(map[types.Key]Entry)}
}

// Table returns the table this side tracks
func (s *Side) Table() string { return s.table }

// Put inserts or overwrites the binding of key
func (s *Side) Put(key types.Key, fk *types.Key, rec types.Record) {
	s.rows[key] = Entry{ForeignKey: fk, Record: rec}
}

// Take removes and returns the binding of key. A missing key is a
// StateIntegrity fault: the delete arrived before its insert or the key was
// never tracked.
func (s *Side) Take(key types.Key, t uint64) (Entry, error) {
	e, ok := s.rows[key]
	if !ok {
		return Entry{}, types.NewStateIntegrity(s.table, key, t, "take on missing key")
	}
	delete(s.rows, key)
	return e, nil
}

// Get returns the binding of key without removing it
func (s *Side) Get(key types.Key) (Entry, bool) {
	e, ok := s.rows[key]
	return e, ok
}

// Len returns the number of tracked keys
func (s *Side) Len() int { return len(s.rows) }

// Keys returns the tracked keys in ascending order
func (s *Side) Keys() []types.Key {
	keys := make([]types.Key, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Range calls fn for every binding in ascending key order
func (s *Side) Range(fn func(key types.Key, e Entry)) {
	for _, k := range s.Keys() {
		fn(k, s.rows[k])
	}
}

// Store holds the sides of a join and accounts for integrity faults
type Store struct {
	logger log.Logger
	sides  map[string]*Side

	faults     *prometheus.CounterVec
	faultCount map[string]int
}

// NewStore creates a store that reports faults to logger and reg
func NewStore(logger log.Logger, reg prometheus.Registerer) *Store {
	return &Store{
		logger:     log.With(logger, "component", "join-state"),
		sides:      make(map[string]*Side),
		faultCount: make(map[string]int),
		faults:     promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "state_integrity_faults_total",
			Help:      "Total number of deltas skipped because their key was missing from the join state.",
		}, []string{"table"}),
	}
}

// Side returns the side for table, creating it if it doesn't exist
func (s *Store) Side(table string) *Side {
	if sd, ok := s.sides[table]; ok {
		return sd
	}
	sd := NewSide(table)
	s.sides[table] = sd
	return sd
}

// Take removes key from table's side. Faults are counted and logged before
// being returned so callers can skip the delta and keep going.
func (s *Store) Take(table string, key types.Key, t uint64) (Entry, error) {
	e, err := s.Side(table).Take(key, t)
	if err != nil {
		s.fault(table, key, t, err)
		return Entry{}, err
	}
	return e, nil
}

// Lookup returns the binding of key in table's side. A miss is counted and
// logged like a failed Take.
func (s *Store) Lookup(table string, key types.Key, t uint64) (Entry, error) {
	e, ok := s.Side(table).Get(key)
	if !ok {
		err := types.NewStateIntegrity(table, key, t, "lookup of missing key")
		s.fault(table, key, t, err)
		return Entry{}, err
	}
	return e, nil
}

func (s *Store) fault(table string, key types.Key, t uint64, err error) {
	s.faults.WithLabelValues(table).Inc()
	s.faultCount[table]++
	level.Warn(s.logger).Log("msg", "skipping delta", "table", table, "key", uint64(key), "time", t, "err", err)
}

// Faults returns the number of integrity faults seen for table
func (s *Store) Faults(table string) int {
	return s.faultCount[table]
}

// Tables returns the names of all sides in ascending order
func (s *Store) Tables() []string {
	names := make([]string, 0, len(s.sides))
	for n := range s.sides {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
