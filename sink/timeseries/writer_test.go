package timeseries

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/logriverlabs/logriver/model"
)

type capturedWrite struct {
	path  string
	query string
	auth  string
	body  string
}

func testConf(t *testing.T, batchSize int) *config.Config {
	t.Helper()
	conf := config.New()
	conf.Set("Sink.Timeseries.retryMax", 0)
	conf.Set("Sink.Timeseries.batchSize", batchSize)
	// keep the interval timer out of the way, the tests flush explicitly
	conf.Set("Sink.Timeseries.flushInterval", "1h")
	return conf
}

func point(ts time.Time, value int64) *model.Point {
	p := model.NewPoint()
	p.Timestamp = ts
	p.SetField("value", value)
	return p
}

func TestWriter_Flush(t *testing.T) {
	var (
		mu     sync.Mutex
		writes []capturedWrite
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, pass, _ := r.BasicAuth()
		mu.Lock()
		writes = append(writes, capturedWrite{
			path:  r.URL.Path,
			query: r.URL.RawQuery,
			auth:  pass,
			body:  string(body),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dest := model.TimeseriesDestination{
		ID:          "ts-1",
		URL:         srv.URL,
		Database:    "logs",
		Measurement: "rides",
		Precision:   model.PrecisionNanosecond,
		Username:    "writer",
		Password:    "secret",
	}
	w := NewWriter(dest, testConf(t, 1000), logger.NOP, stats.NOP)
	defer w.Stop()

	ts := time.Unix(0, 1728988245000000000)
	w.Add(point(ts, 1))
	w.Add(point(ts, 2))
	require.NoError(t, w.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, writes, 1)
	require.Equal(t, "/write", writes[0].path)
	require.Equal(t, "db=logs&precision=ns", writes[0].query)
	require.Equal(t, "secret", writes[0].auth)
	require.Equal(t, "rides value=1i 1728988245000000000\nrides value=2i 1728988245000000000", writes[0].body)

	// buffer was consumed, a second flush writes nothing
	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, writes, 1)
}

func TestWriter_SizeTriggeredFlush(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dest := model.TimeseriesDestination{
		ID: "ts-1", URL: srv.URL, Database: "logs",
		Measurement: "m", Precision: model.PrecisionSecond,
	}
	w := NewWriter(dest, testConf(t, 2), logger.NOP, stats.NOP)
	defer w.Stop()

	ts := time.Unix(100, 0)
	w.Add(point(ts, 1))
	w.Add(point(ts, 2)) // hits the batch size, flushes synchronously
	w.Add(point(ts, 3)) // stays buffered

	mu.Lock()
	require.Equal(t, []string{"m value=1i 100\nm value=2i 100"}, bodies)
	mu.Unlock()

	require.NoError(t, w.Flush(context.Background()))
	mu.Lock()
	require.Equal(t, []string{
		"m value=1i 100\nm value=2i 100",
		"m value=3i 100",
	}, bodies)
	mu.Unlock()
}

func TestWriter_FailedFlushDropsBatch(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dest := model.TimeseriesDestination{
		ID: "ts-1", URL: srv.URL, Database: "logs",
		Measurement: "m", Precision: model.PrecisionNanosecond,
	}
	w := NewWriter(dest, testConf(t, 1000), logger.NOP, stats.NOP)
	defer w.Stop()

	w.Add(point(time.Unix(1, 0), 1))
	err := w.Flush(context.Background())
	require.Error(t, err)

	// the failed batch is gone, the next flush has nothing to send
	require.NoError(t, w.Flush(context.Background()))
	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()
}

func TestClassifyWriteError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{"unauthorized", &writeError{StatusCode: http.StatusUnauthorized}, "auth"},
		{"forbidden", &writeError{StatusCode: http.StatusForbidden}, "auth"},
		{"server error", &writeError{StatusCode: http.StatusInternalServerError}, "other"},
		{"deadline", context.DeadlineExceeded, "timeout"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classifyWriteError(tc.err))
		})
	}
}
