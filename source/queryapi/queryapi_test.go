package queryapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/logriverlabs/logriver/model"
)

func testConf() *config.Config {
	conf := config.New()
	conf.Set("Source.QueryAPI.retryMax", 0)
	return conf
}

func TestFetchLogs(t *testing.T) {
	type page struct {
		Items      []map[string]any `json:"items"`
		NextCursor string           `json:"nextCursor"`
	}
	pages := map[string]page{
		"": {
			Items: []map[string]any{
				{"timestamp": "2024-10-15T11:59:01Z", "message": "first", "level": "info"},
				{"timestamp": "2024-10-15T11:59:02Z", "message": "second"},
			},
			NextCursor: "c1",
		},
		"c1": {
			Items: []map[string]any{
				{"timestamp": "2024-10-15 11:59:03", "message": "third"},
			},
		},
	}

	var (
		mu       sync.Mutex
		requests []queryRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		var q queryRequest
		require.NoError(t, jsonrs.NewDecoder(r.Body).Decode(&q))
		mu.Lock()
		requests = append(requests, q)
		mu.Unlock()
		require.NoError(t, jsonrs.NewEncoder(w).Encode(pages[q.Cursor]))
	}))
	defer srv.Close()

	a := New(model.QueryAPIConfig{Endpoint: srv.URL, AuthToken: "tok-123", PageSize: 2}, testConf(), logger.NOP)

	start := time.Date(2024, 10, 15, 11, 55, 0, 0, time.UTC)
	end := time.Date(2024, 10, 15, 12, 0, 0, 0, time.UTC)
	records, err := a.FetchLogs(context.Background(), "app=rides", start, end)
	require.NoError(t, err)

	require.Len(t, records, 3)
	require.Equal(t, "first", records[0].Message)
	require.Equal(t, time.Date(2024, 10, 15, 11, 59, 1, 0, time.UTC), records[0].Timestamp.UTC())
	// raw item is preserved for path-based mapping beyond the known keys
	require.Contains(t, string(records[0].Raw), `"level"`)
	require.Equal(t, "third", records[2].Message)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)
	require.Equal(t, "app=rides", requests[0].Query)
	require.Equal(t, "2024-10-15T11:55:00Z", requests[0].From)
	require.Equal(t, "2024-10-15T12:00:00Z", requests[0].To)
	require.Equal(t, 2, requests[0].Limit)
	require.Empty(t, requests[0].Cursor)
	require.Equal(t, "c1", requests[1].Cursor)
}

func TestFetchLogs_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(model.QueryAPIConfig{Endpoint: srv.URL}, testConf(), logger.NOP)
	_, err := a.FetchLogs(context.Background(), "", time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
}

func TestFetchLogs_PageLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// always promises another page
		_, _ = w.Write([]byte(`{"items":[{"timestamp":"2024-10-15T11:59:01Z","message":"m"}],"nextCursor":"more"}`))
	}))
	defer srv.Close()

	conf := testConf()
	conf.Set("Source.QueryAPI.maxPages", 3)
	a := New(model.QueryAPIConfig{Endpoint: srv.URL}, conf, logger.NOP)

	records, err := a.FetchLogs(context.Background(), "", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestTestConnection(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"items":[]}`))
		}))
		defer srv.Close()

		a := New(model.QueryAPIConfig{Endpoint: srv.URL}, testConf(), logger.NOP)
		status := a.TestConnection(context.Background())
		require.True(t, status.OK)
	})

	t.Run("unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		a := New(model.QueryAPIConfig{Endpoint: srv.URL, AuthToken: "bad"}, testConf(), logger.NOP)
		status := a.TestConnection(context.Background())
		require.False(t, status.OK)
		require.Contains(t, status.Detail, "401")
	})
}
