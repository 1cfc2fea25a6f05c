// Package sink defines the writer contract shared by all destinations.
package sink

import (
	"context"

	"github.com/logriverlabs/logriver/model"
)

// Writer accumulates points and writes them out in batches. Add may trigger
// an immediate flush when the batch-size threshold is reached; a recurring
// timer flushes independently of size. Stop halts the timer and performs a
// final best-effort flush.
type Writer interface {
	Add(point *model.Point)
	Flush(ctx context.Context) error
	Stop()
}
