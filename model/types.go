package model

import (
	"encoding/json"
	"time"
)

// LogRecord is one raw log line fetched from a source for a query window.
type LogRecord struct {
	Timestamp time.Time
	Message   string
	Raw       json.RawMessage
}

// Role decides whether a mapped value becomes a tag or a field on the point.
type Role string

const (
	RoleTag   Role = "tag"
	RoleField Role = "field"
)

// DataType is the declared coercion target of a mapping rule.
type DataType string

const (
	TypeString  DataType = "string"
	TypeInteger DataType = "integer"
	TypeFloat   DataType = "float"
	TypeBoolean DataType = "boolean"
)

// MappingRule pulls one value out of an extracted document (or supplies a
// constant) and routes it onto the point.
type MappingRule struct {
	Path             string
	StaticValue      string
	TargetName       string
	Role             Role
	DataType         DataType
	IsStatic         bool
	TransformPattern string
}

// SourceType tags the source variant.
type SourceType string

const (
	SourceQueryAPI SourceType = "queryapi"
	SourceFile     SourceType = "file"
)

// QueryAPIConfig holds connection parameters for a remote log query API.
type QueryAPIConfig struct {
	Endpoint  string `json:"endpoint"`
	AuthToken string `json:"authToken"`
	PageSize  int    `json:"pageSize"`
}

// FileConfig holds parameters for a local file source. Path may be a glob.
// TimestampLayout, when set, is probed against each line's prefix to filter
// lines into the query window.
type FileConfig struct {
	Path            string `json:"path"`
	TimestampLayout string `json:"timestampLayout"`
}

// Source is a tagged variant over the supported source kinds. Exactly one of
// QueryAPI/File is non-nil, matching Type.
type Source struct {
	ID               string
	Name             string
	Type             SourceType
	Enabled          bool
	FilterExpression string
	QueryAPI         *QueryAPIConfig
	File             *FileConfig
}

// ConnectionStatus is the outcome of a source connectivity probe.
type ConnectionStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// DestinationType tags the sink variant a job writes to.
type DestinationType string

const (
	DestinationTimeseries DestinationType = "timeseries"
	DestinationRelational DestinationType = "relational"
)

// Precision is the timestamp precision of a time-series destination.
type Precision string

const (
	PrecisionNanosecond  Precision = "ns"
	PrecisionMillisecond Precision = "ms"
	PrecisionSecond      Precision = "s"
)

// TimeseriesDestination describes a line-protocol write endpoint.
type TimeseriesDestination struct {
	ID          string
	URL         string    `json:"url"`
	Database    string    `json:"database"`
	Measurement string    `json:"measurement"`
	Precision   Precision `json:"precision"`
	Username    string    `json:"username"`
	Password    string    `json:"password"`
}

// TagColumn is one named column of a relational destination table, populated
// from the point tag of the same name.
type TagColumn struct {
	Name    string `json:"name"`
	Indexed bool   `json:"indexed"`
}

// RelationalDestination describes a SQL table sink.
type RelationalDestination struct {
	ID         string
	DSN        string      `json:"dsn"`
	Table      string      `json:"table"`
	TagColumns []TagColumn `json:"tagColumns"`
	// DedupKeys lists tag-column names, or the literal "timestamp", whose
	// values identify a logical record for deduplication.
	DedupKeys  []string `json:"dedupKeys"`
	AutoCreate bool     `json:"autoCreate"`
}

// Destination is a tagged variant over the supported sink kinds.
type Destination struct {
	ID         string
	Type       DestinationType
	Enabled    bool
	Timeseries *TimeseriesDestination
	Relational *RelationalDestination
}

// Job binds a source to a destination on a cron schedule.
type Job struct {
	ID                 string
	SourceID           string
	DestinationType    DestinationType
	DestinationID      string
	Schedule           string
	LookbackMinutes    int
	MaxLookbackMinutes int
	LastRunAt          *time.Time
	LastSuccessAt      *time.Time
	Enabled            bool
}

// FailureSample is a truncated diagnostic kept for a per-record failure.
type FailureSample struct {
	MessagePrefix string    `json:"messagePrefix"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        string    `json:"reason"`
}

// ExecutionResult summarizes one job execution.
type ExecutionResult struct {
	Processed      int
	Failed         int
	FailureSamples []FailureSample
}
