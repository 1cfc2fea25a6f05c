package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/logriverlabs/logriver/configstore"
	"github.com/logriverlabs/logriver/model"
)

type fakeRunner struct {
	ran []string
}

func (r *fakeRunner) RunNow(jobID string) { r.ran = append(r.ran, jobID) }

type fakeStore struct {
	sources map[string]model.Source
	jobs    map[string]model.Job
}

func (s *fakeStore) GetSource(_ context.Context, id string) (model.Source, error) {
	src, ok := s.sources[id]
	if !ok {
		return model.Source{}, configstore.ErrNotFound
	}
	return src, nil
}

func (s *fakeStore) GetJob(_ context.Context, id string) (model.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, configstore.ErrNotFound
	}
	return job, nil
}

func newTestServer(store *fakeStore) (*Server, *fakeRunner) {
	runner := &fakeRunner{}
	return NewServer(runner, store, config.New(), logger.NOP), runner
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(&fakeStore{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"up"}`, rec.Body.String())
}

func TestRunJob(t *testing.T) {
	t.Run("starts a manual run", func(t *testing.T) {
		s, runner := newTestServer(&fakeStore{
			jobs: map[string]model.Job{"job-1": {ID: "job-1"}},
		})
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/run", nil))

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.JSONEq(t, `{"status":"started","jobId":"job-1"}`, rec.Body.String())
		require.Equal(t, []string{"job-1"}, runner.ran)
	})

	t.Run("unknown job is 404", func(t *testing.T) {
		s, runner := newTestServer(&fakeStore{})
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/nope/run", nil))

		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Empty(t, runner.ran)
	})
}

func TestTestSource(t *testing.T) {
	t.Run("reports a readable file source", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "app.log")
		require.NoError(t, os.WriteFile(path, []byte("line\n"), 0o644))

		s, _ := newTestServer(&fakeStore{
			sources: map[string]model.Source{
				"src-1": {ID: "src-1", Type: model.SourceFile, Enabled: true, File: &model.FileConfig{Path: path}},
			},
		})
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/src-1/test", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var status model.ConnectionStatus
		require.NoError(t, jsonrs.Unmarshal(rec.Body.Bytes(), &status))
		require.True(t, status.OK)
	})

	t.Run("reports an unreachable file source", func(t *testing.T) {
		s, _ := newTestServer(&fakeStore{
			sources: map[string]model.Source{
				"src-1": {ID: "src-1", Type: model.SourceFile, Enabled: true, File: &model.FileConfig{Path: "/nonexistent/*.log"}},
			},
		})
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/src-1/test", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var status model.ConnectionStatus
		require.NoError(t, jsonrs.Unmarshal(rec.Body.Bytes(), &status))
		require.False(t, status.OK)
	})

	t.Run("unknown source is 404", func(t *testing.T) {
		s, _ := newTestServer(&fakeStore{})
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/nope/test", nil))

		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}
