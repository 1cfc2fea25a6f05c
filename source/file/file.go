// Package file reads log records from local files. The configured path may
// be a glob. When a timestamp layout is configured, each line's prefix is
// probed against it to filter lines into the query window; lines without a
// parseable timestamp are passed through, since the extractor owns real
// timestamping.
package file

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/logriverlabs/logriver/model"
)

// maxLineBytes bounds a single log line; longer lines are split by the
// scanner's buffer and still forwarded.
const maxLineBytes = 1024 * 1024

type Adapter struct {
	cfg model.FileConfig
	log logger.Logger
}

func New(cfg model.FileConfig, log logger.Logger) *Adapter {
	return &Adapter{cfg: cfg, log: log.Child("source.file")}
}

func (a *Adapter) FetchLogs(ctx context.Context, _ string, start, end time.Time) ([]model.LogRecord, error) {
	paths, err := filepath.Glob(a.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving path %q: %w", a.cfg.Path, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files match %q", a.cfg.Path)
	}
	var records []model.LogRecord
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := a.readFile(path, start, end)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (a *Adapter) TestConnection(_ context.Context) model.ConnectionStatus {
	paths, err := filepath.Glob(a.cfg.Path)
	if err != nil {
		return model.ConnectionStatus{OK: false, Detail: err.Error()}
	}
	if len(paths) == 0 {
		return model.ConnectionStatus{OK: false, Detail: fmt.Sprintf("no files match %q", a.cfg.Path)}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return model.ConnectionStatus{OK: false, Detail: err.Error()}
		}
	}
	return model.ConnectionStatus{OK: true, Detail: fmt.Sprintf("%d file(s) readable", len(paths))}
}

func (a *Adapter) readFile(path string, start, end time.Time) ([]model.LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var records []model.LogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		rec := model.LogRecord{Message: line}
		if ts, ok := a.probeTimestamp(line); ok {
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			rec.Timestamp = ts
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return records, nil
}

func (a *Adapter) probeTimestamp(line string) (time.Time, bool) {
	layout := a.cfg.TimestampLayout
	if layout == "" || len(line) < len(layout) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(layout, line[:len(layout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
