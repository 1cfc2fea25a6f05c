// Package admin exposes a thin operational HTTP surface: health, manual job
// runs, and source connectivity checks.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/logriverlabs/logriver/configstore"
	"github.com/logriverlabs/logriver/model"
	"github.com/logriverlabs/logriver/source"
)

type jobRunner interface {
	RunNow(jobID string)
}

type sourceStore interface {
	GetSource(ctx context.Context, id string) (model.Source, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
}

type Server struct {
	runner jobRunner
	store  sourceStore
	conf   *config.Config
	log    logger.Logger

	addr        string
	testTimeout time.Duration
}

func NewServer(runner jobRunner, store sourceStore, conf *config.Config, log logger.Logger) *Server {
	return &Server{
		runner:      runner,
		store:       store,
		conf:        conf,
		log:         log.Child("admin"),
		addr:        conf.GetStringVar(":8090", "Admin.listenAddr"),
		testTimeout: conf.GetDurationVar(15, time.Second, "Admin.testConnectionTimeout"),
	}
}

// Serve blocks until ctx is done, then shuts the listener down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Post("/v1/jobs/{jobID}/run", s.runJob)
	r.Get("/v1/sources/{sourceID}/test", s.testSource)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "up"})
}

// runJob starts a detached execution and reports only that it started; the
// outcome is visible through the activity log.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	s.runner.RunNow(jobID)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "jobId": jobID})
}

func (s *Server) testSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	src, err := s.store.GetSource(r.Context(), sourceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	adapter, err := source.NewAdapter(src, s.conf, s.log)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.testTimeout)
	defer cancel()
	s.writeJSON(w, http.StatusOK, adapter.TestConnection(ctx))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonrs.NewEncoder(w).Encode(body); err != nil {
		s.log.Errorn("failed to write response", obskit.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, configstore.ErrNotFound) {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
