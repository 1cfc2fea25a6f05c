// Package source dispatches over the supported log source variants behind a
// single fetch/test capability interface.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/logriverlabs/logriver/model"
	"github.com/logriverlabs/logriver/source/file"
	"github.com/logriverlabs/logriver/source/queryapi"
)

// Adapter fetches raw log records for a time window and probes connectivity.
type Adapter interface {
	FetchLogs(ctx context.Context, filter string, start, end time.Time) ([]model.LogRecord, error)
	TestConnection(ctx context.Context) model.ConnectionStatus
}

// NewAdapter builds the adapter matching the source's variant.
func NewAdapter(src model.Source, conf *config.Config, log logger.Logger) (Adapter, error) {
	switch src.Type {
	case model.SourceQueryAPI:
		if src.QueryAPI == nil {
			return nil, fmt.Errorf("source %s: missing query-API parameters", src.ID)
		}
		return queryapi.New(*src.QueryAPI, conf, log), nil
	case model.SourceFile:
		if src.File == nil {
			return nil, fmt.Errorf("source %s: missing file parameters", src.ID)
		}
		return file.New(*src.File, log), nil
	default:
		return nil, fmt.Errorf("source %s: unknown type %q", src.ID, src.Type)
	}
}
