package wal

import (
	"context"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// Batch is one release of the reorder buffer together with the frontier the
// engine advanced to right after the items were fed. A batch without items
// records an advance driven by heartbeats alone.
type Batch struct {
	Items    []types.BufferedItem
	Frontier uint64
}

// Entry is a logged batch and its position in the log.
type Entry struct {
	Seq int64
	Batch
}

// WAL is an append-only log of released batches for crash recovery.
//
// Recovery restores the latest checkpoint and replays every batch logged
// after it into the same execution path used during normal processing.
//
// Replayed batches up to the last flush mark already reached the sink; the
// pipeline only forwards the output of later ones.
type WAL interface {
	Append(ctx context.Context, batch Batch) (int64, error)
	Replay(ctx context.Context, apply func(Entry) error) error
	Close() error
}
