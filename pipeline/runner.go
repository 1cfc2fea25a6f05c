// Package pipeline executes one job: resolve configs, compute the query
// window, fetch, extract, map, write, and record the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/logriverlabs/logriver/activity"
	"github.com/logriverlabs/logriver/configstore"
	"github.com/logriverlabs/logriver/extractor"
	"github.com/logriverlabs/logriver/mapper"
	"github.com/logriverlabs/logriver/model"
	"github.com/logriverlabs/logriver/sink"
	"github.com/logriverlabs/logriver/source"
)

const (
	maxFailureSamples      = 5
	failureSamplePrefixLen = 120
	patternCacheSize       = 128
)

type configStore interface {
	GetSource(ctx context.Context, id string) (model.Source, error)
	GetDestination(ctx context.Context, id string) (model.Destination, error)
	GetMappingRules(ctx context.Context, sourceID string) ([]model.MappingRule, error)
	GetPattern(ctx context.Context, sourceID string) (string, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	UpdateLastRun(ctx context.Context, jobID string, ranAt time.Time, success bool) error
}

type writerFactory interface {
	WriterFor(ctx context.Context, job model.Job, dest model.Destination) (sink.Writer, error)
}

type adapterFactory func(src model.Source) (source.Adapter, error)

type Runner struct {
	store      configStore
	activity   activity.Recorder
	writers    writerFactory
	newAdapter adapterFactory
	mapper     *mapper.Mapper
	log        logger.Logger

	patterns *lru.Cache[string, *regexp.Regexp]

	fetchTimeout config.ValueLoader[time.Duration]
	flushTimeout config.ValueLoader[time.Duration]

	now func() time.Time

	runTimer      stats.Measurement
	processedStat stats.Measurement
	failedStat    stats.Measurement
}

func NewRunner(store configStore, recorder activity.Recorder, writers writerFactory, conf *config.Config, log logger.Logger, statsFactory stats.Stats) *Runner {
	patterns, _ := lru.New[string, *regexp.Regexp](patternCacheSize)
	r := &Runner{
		store:    store,
		activity: recorder,
		writers:  writers,
		newAdapter: func(src model.Source) (source.Adapter, error) {
			return source.NewAdapter(src, conf, log)
		},
		mapper:       mapper.New(log),
		log:          log.Child("pipeline"),
		patterns:     patterns,
		fetchTimeout: conf.GetReloadableDurationVar(60, time.Second, "Pipeline.fetchTimeout"),
		flushTimeout: conf.GetReloadableDurationVar(60, time.Second, "Pipeline.flushTimeout"),
		now:          time.Now,
	}
	r.runTimer = statsFactory.NewTaggedStat("pipeline_run_duration_seconds", stats.TimerType, nil)
	r.processedStat = statsFactory.NewTaggedStat("pipeline_records_processed", stats.CountType, nil)
	r.failedStat = statsFactory.NewTaggedStat("pipeline_records_failed", stats.CountType, nil)
	return r
}

// RunJob executes one job synchronously. The returned error covers job-level
// failures (fetch, flush, configuration read); per-record extraction failures
// are reported only through the result counts.
func (r *Runner) RunJob(ctx context.Context, job model.Job) (model.ExecutionResult, error) {
	log := r.log.Withn(logger.NewStringField("jobId", job.ID))
	start := time.Now()
	defer r.runTimer.Since(start)

	src, skip, err := r.resolveSource(ctx, job)
	if err != nil || skip {
		return model.ExecutionResult{}, err
	}
	dest, skip, err := r.resolveDestination(ctx, job)
	if err != nil || skip {
		return model.ExecutionResult{}, err
	}

	pattern, err := r.store.GetPattern(ctx, job.SourceID)
	if err != nil || pattern == "" {
		if err == nil || errors.Is(err, configstore.ErrNotFound) {
			r.skip(ctx, job, fmt.Sprintf("no extraction pattern configured for source %s", job.SourceID))
			return model.ExecutionResult{}, nil
		}
		return r.fail(ctx, job, model.ExecutionResult{}, fmt.Errorf("reading pattern: %w", err))
	}
	re, err := r.compiledPattern(job.SourceID, pattern)
	if err != nil {
		return r.fail(ctx, job, model.ExecutionResult{}, fmt.Errorf("compiling pattern: %w", err))
	}
	rules, err := r.store.GetMappingRules(ctx, job.SourceID)
	if err != nil {
		return r.fail(ctx, job, model.ExecutionResult{}, fmt.Errorf("reading mapping rules: %w", err))
	}

	adapter, err := r.newAdapter(src)
	if err != nil {
		return r.fail(ctx, job, model.ExecutionResult{}, err)
	}
	writer, err := r.writers.WriterFor(ctx, job, dest)
	if err != nil {
		return r.fail(ctx, job, model.ExecutionResult{}, err)
	}

	now := r.now()
	windowStart, windowEnd := computeWindow(job, now)
	log.Infon("starting run",
		logger.NewStringField("windowStart", windowStart.UTC().Format(time.RFC3339)),
		logger.NewStringField("windowEnd", windowEnd.UTC().Format(time.RFC3339)))

	fetchCtx, cancelFetch := context.WithTimeout(ctx, r.fetchTimeout.Load())
	records, err := adapter.FetchLogs(fetchCtx, src.FilterExpression, windowStart, windowEnd)
	cancelFetch()
	if err != nil {
		return r.fail(ctx, job, model.ExecutionResult{}, fmt.Errorf("fetching logs: %w", err))
	}

	var result model.ExecutionResult
	for _, rec := range records {
		doc, ok := extractor.Extract(rec.Message, re)
		if !ok {
			result.Failed++
			if len(result.FailureSamples) < maxFailureSamples {
				result.FailureSamples = append(result.FailureSamples, model.FailureSample{
					MessagePrefix: truncate(rec.Message, failureSamplePrefixLen),
					Timestamp:     rec.Timestamp,
					Reason:        "no match or unparseable JSON payload",
				})
			}
			continue
		}
		writer.Add(r.mapper.Map(rec, doc, rules))
		result.Processed++
	}
	r.processedStat.Count(result.Processed)
	r.failedStat.Count(result.Failed)

	// results must be durable before the run is marked complete
	flushCtx, cancelFlush := context.WithTimeout(ctx, r.flushTimeout.Load())
	err = writer.Flush(flushCtx)
	cancelFlush()
	if err != nil {
		return r.fail(ctx, job, result, fmt.Errorf("flushing sink: %w", err))
	}

	r.updateLastRun(ctx, job, now, true)
	details := map[string]any{
		"windowStart": windowStart.UTC().Format(time.RFC3339Nano),
		"windowEnd":   windowEnd.UTC().Format(time.RFC3339Nano),
	}
	if len(result.FailureSamples) > 0 {
		details["failureSamples"] = result.FailureSamples
	}
	r.activity.Record(ctx, job.ID, activity.LevelInfo,
		fmt.Sprintf("run completed: %d processed, %d failed", result.Processed, result.Failed),
		result.Processed, result.Failed, details)
	return result, nil
}

// RunNow triggers a detached execution of the job, outside its schedule. The
// outcome is observable only through the activity log.
func (r *Runner) RunNow(jobID string) {
	go func() {
		ctx := context.Background()
		job, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			r.log.Errorn("manual run: job lookup failed",
				logger.NewStringField("jobId", jobID), obskit.Error(err))
			return
		}
		if _, err := r.RunJob(ctx, job); err != nil {
			r.log.Errorn("manual run failed",
				logger.NewStringField("jobId", jobID), obskit.Error(err))
		}
	}()
}

func (r *Runner) resolveSource(ctx context.Context, job model.Job) (model.Source, bool, error) {
	src, err := r.store.GetSource(ctx, job.SourceID)
	if errors.Is(err, configstore.ErrNotFound) {
		r.skip(ctx, job, fmt.Sprintf("source %s missing", job.SourceID))
		return model.Source{}, true, nil
	}
	if err != nil {
		_, err = r.fail(ctx, job, model.ExecutionResult{}, fmt.Errorf("reading source: %w", err))
		return model.Source{}, false, err
	}
	if !src.Enabled {
		r.skip(ctx, job, fmt.Sprintf("source %s disabled", job.SourceID))
		return model.Source{}, true, nil
	}
	return src, false, nil
}

func (r *Runner) resolveDestination(ctx context.Context, job model.Job) (model.Destination, bool, error) {
	dest, err := r.store.GetDestination(ctx, job.DestinationID)
	if errors.Is(err, configstore.ErrNotFound) {
		r.skip(ctx, job, fmt.Sprintf("destination %s missing", job.DestinationID))
		return model.Destination{}, true, nil
	}
	if err != nil {
		_, err = r.fail(ctx, job, model.ExecutionResult{}, fmt.Errorf("reading destination: %w", err))
		return model.Destination{}, false, err
	}
	if !dest.Enabled {
		r.skip(ctx, job, fmt.Sprintf("destination %s disabled", job.DestinationID))
		return model.Destination{}, true, nil
	}
	return dest, false, nil
}

// skip records a deliberate no-op run: missing or disabled configuration is
// expected during editing workflows, not an error.
func (r *Runner) skip(ctx context.Context, job model.Job, reason string) {
	r.log.Warnn("skipping run", logger.NewStringField("jobId", job.ID),
		logger.NewStringField("reason", reason))
	r.activity.Record(ctx, job.ID, activity.LevelWarning, "run skipped: "+reason, 0, 0, nil)
}

// fail records a job-level failure. The last-run marker still advances so
// the next tick does not retry an identical window forever; last-success
// does not.
func (r *Runner) fail(ctx context.Context, job model.Job, result model.ExecutionResult, err error) (model.ExecutionResult, error) {
	r.log.Errorn("run failed", logger.NewStringField("jobId", job.ID), obskit.Error(err))
	r.updateLastRun(ctx, job, r.now(), false)
	details := map[string]any{"error": err.Error()}
	if len(result.FailureSamples) > 0 {
		details["failureSamples"] = result.FailureSamples
	}
	r.activity.Record(ctx, job.ID, activity.LevelError, "run failed: "+err.Error(),
		result.Processed, result.Failed, details)
	return result, err
}

func (r *Runner) updateLastRun(ctx context.Context, job model.Job, ranAt time.Time, success bool) {
	if err := r.store.UpdateLastRun(ctx, job.ID, ranAt, success); err != nil {
		r.log.Errorn("failed to persist last run",
			logger.NewStringField("jobId", job.ID), obskit.Error(err))
	}
}

func (r *Runner) compiledPattern(sourceID, pattern string) (*regexp.Regexp, error) {
	key := sourceID + "\x00" + pattern
	if re, ok := r.patterns.Get(key); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.patterns.Add(key, re)
	return re, nil
}

// computeWindow derives the fetch window. The start overlaps the previous
// run by the lookback to cover source-side ingestion delay, and is clamped
// so an overdue schedule cannot trigger an unbounded backfill. A zero
// MaxLookbackMinutes disables the clamp.
func computeWindow(job model.Job, now time.Time) (start, end time.Time) {
	lookback := time.Duration(job.LookbackMinutes) * time.Minute
	if job.LastRunAt != nil {
		start = job.LastRunAt.Add(-lookback)
	} else {
		start = now.Add(-lookback)
	}
	if job.MaxLookbackMinutes > 0 {
		if maxStart := now.Add(-time.Duration(job.MaxLookbackMinutes) * time.Minute); start.Before(maxStart) {
			start = maxStart
		}
	}
	return start, now
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
