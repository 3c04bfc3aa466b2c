package op

import (
	"sort"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// JoinSide selects one input of a JoinIndex.
type JoinSide int

const (
	// RootSide is keyed by its own primary key.
	RootSide JoinSide = iota
	// ForeignSide is keyed by its foreign key.
	ForeignSide
)

func (s JoinSide) other() JoinSide {
	if s == RootSide {
		return ForeignSide
	}
	return RootSide
}

// JoinIndex is the key-only state of an incremental equi-join.
//
// Each side maps join key -> primary key -> multiplicity. Records never pass
// through the index; callers look them up in the join state store by the
// primary keys returned from Match.
//
// Feeding the deltas of a step one at a time, each against the index as left
// by the previous one, yields ΔR⋈S + R⋈ΔS + ΔR⋈ΔS for the whole step.
type JoinIndex struct {
	sides [2]map[types.Key]map[types.Key]int64
}

// NewJoinIndex creates an empty index.
func NewJoinIndex() *JoinIndex {
	return &JoinIndex{sides: [2]map[types.Key]map[types.Key]int64{
		make(map[types.Key]map[types.Key]int64),
		make(map[types.Key]map[types.Key]int64),
	}}
}

// Match returns the primary keys on the opposite side of s that currently
// join with joinKey, with their multiplicities, in ascending key order.
func (j *JoinIndex) Match(s JoinSide, joinKey types.Key) []KeyCount {
	bucket := j.sides[s.other()][joinKey]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]KeyCount, 0, len(bucket))
	for k, c := range bucket {
		out = append(out, KeyCount{Key: k, Count: c})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out
}

// Apply integrates one delta into side s.
func (j *JoinIndex) Apply(s JoinSide, joinKey, key types.Key, count int64) {
	bucket, ok := j.sides[s][joinKey]
	if !ok {
		if count == 0 {
			return
		}
		bucket = make(map[types.Key]int64)
		j.sides[s][joinKey] = bucket
	}
	bucket[key] += count
	if bucket[key] == 0 {
		delete(bucket, key)
	}
	if len(bucket) == 0 {
		delete(j.sides[s], joinKey)
	}
}

// Len returns the number of indexed keys on side s.
func (j *JoinIndex) Len(s JoinSide) int {
	n := 0
	for _, bucket := range j.sides[s] {
		n += len(bucket)
	}
	return n
}

// KeyCount is a primary key with its multiplicity.
type KeyCount struct {
	Key   types.Key
	Count int64
}
