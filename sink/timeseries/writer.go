// Package timeseries writes points to a line-protocol HTTP endpoint in
// batches. Failed flushes drop the in-flight batch: the buffer is cleared
// before the write attempt, trading durability for bounded memory on
// high-volume best-effort data.
package timeseries

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/logriverlabs/logriver/model"
)

type Writer struct {
	dest model.TimeseriesDestination
	log  logger.Logger

	client *retryablehttp.Client

	batchSize     config.ValueLoader[int]
	flushInterval config.ValueLoader[time.Duration]
	writeTimeout  time.Duration

	mu  sync.Mutex
	buf []*model.Point

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	flushTimer  stats.Measurement
	writtenStat stats.Measurement
	droppedStat stats.Measurement
}

func NewWriter(dest model.TimeseriesDestination, conf *config.Config, log logger.Logger, statsFactory stats.Stats) *Writer {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = conf.GetIntVar(2, 1, "Sink.Timeseries.retryMax")
	client.HTTPClient.Timeout = conf.GetDurationVar(30, time.Second, "Sink.Timeseries.requestTimeout")

	w := &Writer{
		dest:          dest,
		log:           log.Child("sink.timeseries").Withn(obskit.DestinationID(dest.ID)),
		client:        client,
		batchSize:     conf.GetReloadableIntVar(1000, 1, "Sink.Timeseries.batchSize"),
		flushInterval: conf.GetReloadableDurationVar(10, time.Second, "Sink.Timeseries.flushInterval"),
		writeTimeout:  conf.GetDurationVar(30, time.Second, "Sink.Timeseries.writeTimeout"),
		done:          make(chan struct{}),
	}
	tags := stats.Tags{"destinationId": dest.ID, "destType": string(model.DestinationTimeseries)}
	w.flushTimer = statsFactory.NewTaggedStat("sink_flush_duration_seconds", stats.TimerType, tags)
	w.writtenStat = statsFactory.NewTaggedStat("sink_points_written", stats.CountType, tags)
	w.droppedStat = statsFactory.NewTaggedStat("sink_points_dropped", stats.CountType, tags)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.flushLoop(ctx)
	return w
}

// Add buffers a point and flushes immediately once the batch-size threshold
// is reached, without waiting for the interval timer.
func (w *Writer) Add(point *model.Point) {
	w.mu.Lock()
	w.buf = append(w.buf, point)
	full := len(w.buf) >= w.batchSize.Load()
	w.mu.Unlock()
	if full {
		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		defer cancel()
		if err := w.Flush(ctx); err != nil {
			w.log.Errorn("size-triggered flush failed", obskit.Error(err))
		}
	}
}

// Flush encodes and writes the buffered points. The buffer is cleared before
// the write attempt: a failed write does not restore points.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := w.write(ctx, encodeLines(w.dest.Measurement, batch, w.dest.Precision))
	w.flushTimer.Since(start)
	if err != nil {
		w.droppedStat.Count(len(batch))
		w.log.Errorn("flush failed, batch dropped",
			logger.NewIntField("points", int64(len(batch))),
			logger.NewStringField("errorCategory", classifyWriteError(err)),
			obskit.Error(err))
		return err
	}
	w.writtenStat.Count(len(batch))
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
				w.log.Errorn("interval flush failed", obskit.Error(err))
			}
			cancel()
			ticker.Reset(w.flushInterval.Load())
		}
	}
}

func (w *Writer) write(ctx context.Context, body []byte) error {
	writeURL := fmt.Sprintf("%s/write?db=%s&precision=%s",
		strings.TrimSuffix(w.dest.URL, "/"),
		url.QueryEscape(w.dest.Database),
		w.dest.Precision)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, writeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating write request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if w.dest.Username != "" {
		req.SetBasicAuth(w.dest.Username, w.dest.Password)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("writing batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return &writeError{StatusCode: resp.StatusCode}
	}
	return nil
}

type writeError struct {
	StatusCode int
}

func (e *writeError) Error() string {
	return fmt.Sprintf("write endpoint returned status %d", e.StatusCode)
}

// classifyWriteError buckets flush errors for diagnostics. The error always
// propagates to the caller regardless of category.
func classifyWriteError(err error) string {
	var we *writeError
	if errors.As(err, &we) {
		if we.StatusCode == http.StatusUnauthorized || we.StatusCode == http.StatusForbidden {
			return "auth"
		}
		return "other"
	}
	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused") {
		return "connection_refused"
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	return "other"
}
