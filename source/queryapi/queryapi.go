// Package queryapi fetches log records from a remote log query API that
// accepts a filter expression and a time range and returns pages of
// timestamped messages.
package queryapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/araddon/dateparse"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/logriverlabs/logriver/model"
)

const defaultPageSize = 1000

type Adapter struct {
	cfg      model.QueryAPIConfig
	client   *retryablehttp.Client
	log      logger.Logger
	maxPages int
}

type queryRequest struct {
	Query  string `json:"query"`
	From   string `json:"from"`
	To     string `json:"to"`
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor,omitempty"`
}

type queryItem struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

type queryResponse struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"nextCursor"`
}

func New(cfg model.QueryAPIConfig, conf *config.Config, log logger.Logger) *Adapter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = conf.GetIntVar(2, 1, "Source.QueryAPI.retryMax")
	client.HTTPClient.Timeout = conf.GetDurationVar(30, time.Second, "Source.QueryAPI.requestTimeout")
	return &Adapter{
		cfg:      cfg,
		client:   client,
		log:      log.Child("source.queryapi"),
		maxPages: conf.GetIntVar(100, 1, "Source.QueryAPI.maxPages"),
	}
}

// FetchLogs pages through the API's results for [start, end).
func (a *Adapter) FetchLogs(ctx context.Context, filter string, start, end time.Time) ([]model.LogRecord, error) {
	var records []model.LogRecord
	cursor := ""
	for page := 0; page < a.maxPages; page++ {
		resp, err := a.queryPage(ctx, queryRequest{
			Query:  filter,
			From:   start.UTC().Format(time.RFC3339Nano),
			To:     end.UTC().Format(time.RFC3339Nano),
			Limit:  a.cfg.PageSize,
			Cursor: cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Items {
			var item queryItem
			if err := jsonrs.Unmarshal(raw, &item); err != nil {
				a.log.Warnn("skipping undecodable item", logger.NewErrorField(err))
				continue
			}
			rec := model.LogRecord{Message: item.Message, Raw: raw}
			if ts, err := time.Parse(time.RFC3339Nano, item.Timestamp); err == nil {
				rec.Timestamp = ts
			} else if ts, err := dateparse.ParseAny(item.Timestamp); err == nil {
				rec.Timestamp = ts
			}
			records = append(records, rec)
		}
		if resp.NextCursor == "" || len(resp.Items) == 0 {
			return records, nil
		}
		cursor = resp.NextCursor
	}
	a.log.Warnn("stopping fetch at page limit",
		logger.NewIntField("pages", int64(a.maxPages)),
		logger.NewIntField("records", int64(len(records))))
	return records, nil
}

// TestConnection issues a one-record probe query over the last minute.
func (a *Adapter) TestConnection(ctx context.Context) model.ConnectionStatus {
	now := time.Now()
	_, err := a.queryPage(ctx, queryRequest{
		From:  now.Add(-time.Minute).UTC().Format(time.RFC3339Nano),
		To:    now.UTC().Format(time.RFC3339Nano),
		Limit: 1,
	})
	if err != nil {
		return model.ConnectionStatus{OK: false, Detail: err.Error()}
	}
	return model.ConnectionStatus{OK: true, Detail: "query endpoint reachable"}
}

func (a *Adapter) queryPage(ctx context.Context, q queryRequest) (*queryResponse, error) {
	body, err := jsonrs.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshaling query: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AuthToken)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", a.cfg.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("query endpoint returned status %d", resp.StatusCode)
	}
	var out queryResponse
	if err := jsonrs.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	return &out, nil
}
