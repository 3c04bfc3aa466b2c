package op

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

type zsetEntry struct {
	delta types.OutputDelta
	seq   int
}

// ZSet consolidates the output deltas of one step. Deltas for the same join
// key and the same record add up; entries that cancel out disappear, so an
// update that leaves the merged row unchanged emits nothing.
type ZSet struct {
	entries map[string]*zsetEntry
	seq     int
}

func NewZSet() *ZSet {
	return &ZSet{entries: make(map[string]*zsetEntry)}
}

// Add accumulates d.
func (z *ZSet) Add(d types.OutputDelta) {
	k := fmt.Sprintf("%d/%d/%s", d.Key.Left, d.Key.Right, RecordKey(d.Record))
	e, ok := z.entries[k]
	if !ok {
		z.seq++
		e = &zsetEntry{delta: d, seq: z.seq}
		e.delta.Count = 0
		z.entries[k] = e
	}
	e.delta.Count += d.Count
	if e.delta.Count == 0 {
		delete(z.entries, k)
	}
}

// Len returns the number of non-zero entries.
func (z *ZSet) Len() int { return len(z.entries) }

// Drain returns the consolidated deltas and empties the set. Retractions come
// before assertions so a sink never holds two versions of one join key.
func (z *ZSet) Drain() []types.OutputDelta {
	entries := make([]*zsetEntry, 0, len(z.entries))
	for _, e := range z.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		ni, nj := entries[i].delta.Count < 0, entries[j].delta.Count < 0
		if ni != nj {
			return ni
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]types.OutputDelta, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.delta)
	}
	z.entries = make(map[string]*zsetEntry)
	z.seq = 0
	return out
}

// RecordKey renders r as a stable string: columns in sorted order, each
// value tagged with its Go type.
func RecordKey(r types.Record) string {
	var b strings.Builder
	for i, c := range r.Columns() {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		fmt.Fprintf(&b, "%s=%T:%v", c, r[c], r[c])
	}
	return b.String()
}
