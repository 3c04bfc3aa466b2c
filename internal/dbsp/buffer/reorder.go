package buffer

import (
	"sort"
	"time"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// Config controls the release cadence of a ReorderBuffer
type Config struct {
	// MaxBatchSize is the target number of items per released batch
	MaxBatchSize int
	// MaxDelay is the longest time items wait before a release is forced
	MaxDelay time.Duration
}

// DefaultConfig returns the defaults used when the pipeline config omits them
func DefaultConfig() Config {
	return Config{MaxBatchSize: 1000, MaxDelay: time.Second}
}

// ReorderBuffer collects deltas from every subscribed table in arrival order
// and releases them as time-ordered batches.
//
// A batch is released when 2*MaxBatchSize items are queued or MaxDelay has
// passed since the previous release. A released batch is a time-ordered
// prefix of the queue that ends on a time boundary; a single time group is
// only split once it alone holds MaxBatchSize items.
//
// ReorderBuffer is owned by the worker loop and is not safe for concurrent use.
type ReorderBuffer struct {
	maxBatchSize int
	maxDelay     time.Duration

	items     []types.BufferedItem
	watermark uint64
	lastPop   time.Time
	now       func() time.Time
}

// New creates a ReorderBuffer using the wall clock
func New(cfg Config) *ReorderBuffer {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock creates a ReorderBuffer that reads time from now
func NewWithClock(cfg Config, now func() time.Time) *ReorderBuffer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	return &ReorderBuffer{
		maxBatchSize: cfg.MaxBatchSize,
		maxDelay:     cfg.MaxDelay,
		lastPop:      now(),
		now:          now,
	}
}

// Insert queues one delta for table
func (b *ReorderBuffer) Insert(table string, el types.Element, t uint64, count int64) {
	b.items = append(b.items, types.BufferedItem{Table: table, Element: el, Time: t, Count: count})
}

// InsertItem queues an already tagged item
func (b *ReorderBuffer) InsertItem(item types.BufferedItem) {
	b.items = append(b.items, item)
}

// Pop returns the next batch, or nil when the release policy is not yet met
func (b *ReorderBuffer) Pop() []types.BufferedItem {
	if len(b.items) == 0 {
		return nil
	}
	now := b.now()
	if len(b.items) < 2*b.maxBatchSize && now.Sub(b.lastPop) < b.maxDelay {
		return nil
	}
	b.sortItems()

	n := b.cut()
	out := make([]types.BufferedItem, n)
	copy(out, b.items[:n])
	b.items = append(b.items[:0], b.items[n:]...)
	b.lastPop = now
	return out
}

// Drain returns every queued item in time order regardless of the release policy
func (b *ReorderBuffer) Drain() []types.BufferedItem {
	if len(b.items) == 0 {
		return nil
	}
	b.sortItems()
	out := b.items
	b.items = nil
	b.lastPop = b.now()
	return out
}

// Watermark returns the highest time known to be complete across all tables
func (b *ReorderBuffer) Watermark() uint64 {
	return b.watermark
}

// UpdateWatermark raises the watermark; lower values are ignored
func (b *ReorderBuffer) UpdateWatermark(t uint64) {
	if t > b.watermark {
		b.watermark = t
	}
}

// MinTime returns the earliest queued time
func (b *ReorderBuffer) MinTime() (uint64, bool) {
	if len(b.items) == 0 {
		return 0, false
	}
	min := b.items[0].Time
	for _, it := range b.items[1:] {
		if it.Time < min {
			min = it.Time
		}
	}
	return min, true
}

// Len returns the number of queued items
func (b *ReorderBuffer) Len() int {
	return len(b.items)
}

// sortItems orders the queue by time. The sort is stable so that the
// retract/assert pair of an update keeps its order.
func (b *ReorderBuffer) sortItems() {
	sort.SliceStable(b.items, func(i, j int) bool {
		return b.items[i].Time < b.items[j].Time
	})
}

// cut returns the length of the prefix to release from the sorted queue
func (b *ReorderBuffer) cut() int {
	groupStart := 0
	for n := 1; n <= len(b.items); n++ {
		if n == len(b.items) {
			return n
		}
		if b.items[n].Time != b.items[n-1].Time {
			if n >= b.maxBatchSize {
				return n
			}
			groupStart = n
			continue
		}
		if n-groupStart >= b.maxBatchSize {
			return n
		}
	}
	return len(b.items)
}
