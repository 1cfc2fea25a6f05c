package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/logriverlabs/logriver/model"
	"github.com/logriverlabs/logriver/sink/relational"
	"github.com/logriverlabs/logriver/sink/timeseries"
)

// Factory hands out sink writers. Each job owns one long-lived writer (and
// with it the batch buffer and dedup cache); relational destinations share
// one connection pool per destination across jobs.
type Factory struct {
	conf         *config.Config
	log          logger.Logger
	statsFactory stats.Stats

	mu      sync.Mutex
	writers map[string]Writer  // keyed by job id
	pools   map[string]*sql.DB // keyed by relational destination id
}

func NewFactory(conf *config.Config, log logger.Logger, statsFactory stats.Stats) *Factory {
	return &Factory{
		conf:         conf,
		log:          log,
		statsFactory: statsFactory,
		writers:      map[string]Writer{},
		pools:        map[string]*sql.DB{},
	}
}

// WriterFor returns the job's writer, creating it on first use. Creating a
// relational writer ensures the destination schema exists.
func (f *Factory) WriterFor(ctx context.Context, job model.Job, dest model.Destination) (Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.writers[job.ID]; ok {
		return w, nil
	}

	var w Writer
	switch dest.Type {
	case model.DestinationTimeseries:
		if dest.Timeseries == nil {
			return nil, fmt.Errorf("destination %s: missing time-series parameters", dest.ID)
		}
		w = timeseries.NewWriter(*dest.Timeseries, f.conf, f.log, f.statsFactory)
	case model.DestinationRelational:
		if dest.Relational == nil {
			return nil, fmt.Errorf("destination %s: missing relational parameters", dest.ID)
		}
		db, err := f.poolLocked(dest.ID, dest.Relational.DSN)
		if err != nil {
			return nil, err
		}
		rw := relational.NewWriter(*dest.Relational, db, f.conf, f.log, f.statsFactory)
		if err := rw.EnsureSchema(ctx); err != nil {
			rw.Stop()
			return nil, err
		}
		w = rw
	default:
		return nil, fmt.Errorf("destination %s: unknown type %q", dest.ID, dest.Type)
	}
	f.writers[job.ID] = w
	return w, nil
}

// DropJob stops and forgets the writer of a removed or re-defined job.
func (f *Factory) DropJob(jobID string) {
	f.mu.Lock()
	w, ok := f.writers[jobID]
	delete(f.writers, jobID)
	f.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// Close stops all writers and closes the destination pools.
func (f *Factory) Close() {
	f.mu.Lock()
	writers := f.writers
	pools := f.pools
	f.writers = map[string]Writer{}
	f.pools = map[string]*sql.DB{}
	f.mu.Unlock()
	for _, w := range writers {
		w.Stop()
	}
	for _, db := range pools {
		_ = db.Close()
	}
}

func (f *Factory) poolLocked(destID, dsn string) (*sql.DB, error) {
	if db, ok := f.pools[destID]; ok {
		return db, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening pool for destination %s: %w", destID, err)
	}
	db.SetMaxOpenConns(f.conf.GetIntVar(8, 1, "Sink.Relational.maxOpenConns"))
	f.pools[destID] = db
	return db, nil
}
