// Package relational writes points to a SQL table in batches with hybrid
// deduplication: an approximate in-process hash cache drops repeats early,
// and the table's unique constraint plus a conflict-ignore insert clause
// guarantees idempotence across restarts and concurrent writers.
//
// Unlike the time-series writer, a failed flush retains the buffer; the
// next timer tick retries, and the conflict clause makes the retry safe
// even when a previous attempt partially landed.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/samber/lo"
	"github.com/spaolacci/murmur3"
	"github.com/tidwall/sjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/logriverlabs/logriver/model"
)

// timestampDedupKey selects the point timestamp itself as a dedup component.
const timestampDedupKey = "timestamp"

type Writer struct {
	dest model.RelationalDestination
	db   *sql.DB
	log  logger.Logger

	batchSize       config.ValueLoader[int]
	flushInterval   config.ValueLoader[time.Duration]
	insertChunkSize config.ValueLoader[int]
	writeTimeout    time.Duration

	mu          sync.Mutex
	buf         []*model.Point
	seen        *dedupCache
	schemaReady bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	flushTimer   stats.Measurement
	insertedStat stats.Measurement
	conflictStat stats.Measurement
	dedupStat    stats.Measurement
}

func NewWriter(dest model.RelationalDestination, db *sql.DB, conf *config.Config, log logger.Logger, statsFactory stats.Stats) *Writer {
	w := &Writer{
		dest:            dest,
		db:              db,
		log:             log.Child("sink.relational").Withn(obskit.DestinationID(dest.ID)),
		batchSize:       conf.GetReloadableIntVar(500, 1, "Sink.Relational.batchSize"),
		flushInterval:   conf.GetReloadableDurationVar(10, time.Second, "Sink.Relational.flushInterval"),
		insertChunkSize: conf.GetReloadableIntVar(200, 1, "Sink.Relational.insertChunkSize"),
		writeTimeout:    conf.GetDurationVar(60, time.Second, "Sink.Relational.writeTimeout"),
		seen:            newDedupCache(conf.GetIntVar(100000, 1, "Sink.Relational.dedupCacheSize")),
		done:            make(chan struct{}),
	}
	tags := stats.Tags{"destinationId": dest.ID, "destType": string(model.DestinationRelational)}
	w.flushTimer = statsFactory.NewTaggedStat("sink_flush_duration_seconds", stats.TimerType, tags)
	w.insertedStat = statsFactory.NewTaggedStat("sink_rows_inserted", stats.CountType, tags)
	w.conflictStat = statsFactory.NewTaggedStat("sink_rows_conflicted", stats.CountType, tags)
	w.dedupStat = statsFactory.NewTaggedStat("sink_points_deduplicated", stats.CountType, tags)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.flushLoop(ctx)
	return w
}

// Add buffers a point unless its dedup hash was recently seen, in which case
// it is dropped silently. Reaching the batch-size threshold triggers an
// immediate flush.
func (w *Writer) Add(point *model.Point) {
	w.mu.Lock()
	if len(w.dest.DedupKeys) > 0 && w.seen.CheckAndAdd(w.dedupHash(point)) {
		w.mu.Unlock()
		w.dedupStat.Increment()
		return
	}
	w.buf = append(w.buf, point)
	full := len(w.buf) >= w.batchSize.Load()
	w.mu.Unlock()
	if full {
		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		defer cancel()
		if err := w.Flush(ctx); err != nil {
			w.log.Errorn("size-triggered flush failed, batch retained", obskit.Error(err))
		}
	}
}

// Flush bulk-inserts the buffered points with a conflict-ignore clause. On
// error the buffer is retained for the next attempt.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return nil
	}
	if err := w.ensureSchemaLocked(ctx); err != nil {
		return err
	}

	start := time.Now()
	var inserted int64
	for _, chunk := range lo.Chunk(w.buf, w.insertChunkSize.Load()) {
		n, err := w.insertChunk(ctx, chunk)
		if err != nil {
			// rows inserted by earlier chunks stay put; the retry
			// re-sends them and the conflict clause ignores them
			return fmt.Errorf("inserting batch into %s: %w", w.dest.Table, err)
		}
		inserted += n
	}
	w.flushTimer.Since(start)

	conflicted := int64(len(w.buf)) - inserted
	w.insertedStat.Count(int(inserted))
	w.conflictStat.Count(int(conflicted))
	w.log.Debugn("flushed batch",
		logger.NewIntField("inserted", inserted),
		logger.NewIntField("conflicted", conflicted))
	w.buf = nil
	return nil
}

// Stop halts the interval timer and performs a final best-effort flush.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		defer cancel()
		if err := w.Flush(ctx); err != nil {
			w.log.Errorn("final flush failed", obskit.Error(err))
		}
	})
}

// EnsureSchema creates the destination table and its indexes if absent. It
// is a no-op when auto-create is disabled.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureSchemaLocked(ctx)
}

func (w *Writer) ensureSchemaLocked(ctx context.Context) error {
	if w.schemaReady || !w.dest.AutoCreate {
		return nil
	}
	table := pq.QuoteIdentifier(w.dest.Table)

	columns := make([]string, 0, len(w.dest.TagColumns)+2)
	for _, col := range w.dest.TagColumns {
		columns = append(columns, fmt.Sprintf(`%s TEXT`, pq.QuoteIdentifier(col.Name)))
	}
	columns = append(columns, `fields JSONB NOT NULL`, `event_time TIMESTAMPTZ NOT NULL`)
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, table, strings.Join(columns, ", ")),
	}
	if cols := w.dedupColumns(); len(cols) > 0 {
		statements = append(statements, fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)`,
			pq.QuoteIdentifier(w.dest.Table+"_dedup_key"), table, strings.Join(cols, ", ")))
	}
	statements = append(statements,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (event_time)`,
			pq.QuoteIdentifier(w.dest.Table+"_event_time_idx"), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (fields)`,
			pq.QuoteIdentifier(w.dest.Table+"_fields_idx"), table),
	)
	for _, col := range w.dest.TagColumns {
		if col.Indexed {
			statements = append(statements, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
				pq.QuoteIdentifier(w.dest.Table+"_"+col.Name+"_idx"), table, pq.QuoteIdentifier(col.Name)))
		}
	}
	for _, stmt := range statements {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema of %s: %w", w.dest.Table, err)
		}
	}
	w.schemaReady = true
	return nil
}

func (w *Writer) insertChunk(ctx context.Context, chunk []*model.Point) (int64, error) {
	columns := make([]string, 0, len(w.dest.TagColumns)+2)
	for _, col := range w.dest.TagColumns {
		columns = append(columns, pq.QuoteIdentifier(col.Name))
	}
	columns = append(columns, "fields", "event_time")

	placeholders := make([]string, 0, len(chunk))
	args := make([]any, 0, len(chunk)*len(columns))
	for i, p := range chunk {
		row := make([]string, 0, len(columns))
		for j := range columns {
			row = append(row, fmt.Sprintf("$%d", i*len(columns)+j+1))
		}
		placeholders = append(placeholders, "("+strings.Join(row, ", ")+")")
		for _, col := range w.dest.TagColumns {
			v, _ := p.Tag(col.Name)
			args = append(args, v)
		}
		doc, err := w.fieldsDocument(p)
		if err != nil {
			return 0, err
		}
		args = append(args, doc, p.Timestamp)
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s`,
		pq.QuoteIdentifier(w.dest.Table), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if cols := w.dedupColumns(); len(cols) > 0 {
		stmt += fmt.Sprintf(` ON CONFLICT (%s) DO NOTHING`, strings.Join(cols, ", "))
	}
	res, err := w.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// fieldsDocument serializes every mapped field, plus any tag without a
// dedicated column, into the JSONB document.
func (w *Writer) fieldsDocument(p *model.Point) (string, error) {
	doc := []byte(`{}`)
	var err error
	for _, k := range p.FieldKeys() {
		v, _ := p.Field(k)
		if doc, err = sjson.SetBytes(doc, escapePathKey(k), v); err != nil {
			return "", fmt.Errorf("serializing field %q: %w", k, err)
		}
	}
	for _, k := range p.TagKeys() {
		if w.hasTagColumn(k) {
			continue
		}
		v, _ := p.Tag(k)
		if doc, err = sjson.SetBytes(doc, escapePathKey(k), v); err != nil {
			return "", fmt.Errorf("serializing tag %q: %w", k, err)
		}
	}
	return string(doc), nil
}

func (w *Writer) hasTagColumn(name string) bool {
	for _, col := range w.dest.TagColumns {
		if col.Name == name {
			return true
		}
	}
	return false
}

func (w *Writer) dedupColumns() []string {
	cols := make([]string, 0, len(w.dest.DedupKeys))
	for _, key := range w.dest.DedupKeys {
		if key == timestampDedupKey {
			cols = append(cols, "event_time")
			continue
		}
		cols = append(cols, pq.QuoteIdentifier(key))
	}
	return cols
}

// dedupHash hashes the configured dedup-key values in order.
func (w *Writer) dedupHash(p *model.Point) uint64 {
	h := murmur3.New64()
	for _, key := range w.dest.DedupKeys {
		value := ""
		if key == timestampDedupKey {
			value = p.Timestamp.UTC().Format(time.RFC3339Nano)
		} else if v, ok := p.Tag(key); ok {
			value = v
		}
		_, _ = h.Write([]byte(key))
		_, _ = h.Write([]byte{0x1f})
		_, _ = h.Write([]byte(value))
		_, _ = h.Write([]byte{0x1e})
	}
	return h.Sum64()
}

func (w *Writer) flushLoop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.flushInterval.Load())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
			if err := w.Flush(flushCtx); err != nil {
				w.log.Errorn("interval flush failed, batch retained", obskit.Error(err))
			}
			cancel()
			ticker.Reset(w.flushInterval.Load())
		}
	}
}

func escapePathKey(key string) string {
	key = strings.ReplaceAll(key, ".", `\.`)
	return strings.ReplaceAll(key, "*", `\*`)
}
