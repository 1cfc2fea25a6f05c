// Package mapper builds points from extracted documents by applying a
// source's ordered mapping rules.
package mapper

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/logriverlabs/logriver/extractor"
	"github.com/logriverlabs/logriver/model"
)

// DefaultFieldName is injected with value 1 when no rule produced a field,
// since sinks reject points with an empty field set.
const DefaultFieldName = "value"

const transformCacheSize = 256

var extractedTimestampLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

type Mapper struct {
	log        logger.Logger
	transforms *lru.Cache[string, *regexp.Regexp]
	now        func() time.Time
}

func New(log logger.Logger) *Mapper {
	transforms, _ := lru.New[string, *regexp.Regexp](transformCacheSize)
	return &Mapper{
		log:        log.Child("mapper"),
		transforms: transforms,
		now:        time.Now,
	}
}

// Map evaluates rules in order against doc and returns the resulting point.
// Rules that do not match, or whose value does not survive coercion, are
// skipped without failing the record.
func (m *Mapper) Map(rec model.LogRecord, doc extractor.Document, rules []model.MappingRule) *model.Point {
	point := model.NewPoint()
	for _, rule := range rules {
		var value any
		if rule.IsStatic {
			value = rule.StaticValue
		} else {
			res := gjson.GetBytes(doc.JSON, rule.Path)
			if !res.Exists() {
				continue
			}
			if res.IsArray() {
				arr := res.Array()
				if len(arr) == 0 {
					continue
				}
				res = arr[0]
			}
			value = res.Value()
			if value == nil {
				continue
			}
		}
		if rule.TransformPattern != "" {
			re, err := m.transformRegexp(rule.TransformPattern)
			if err != nil {
				m.log.Warnn("skipping rule with invalid transform pattern",
					logger.NewStringField("targetName", rule.TargetName),
					logger.NewStringField("pattern", rule.TransformPattern))
				continue
			}
			value = re.ReplaceAllString(cast.ToString(value), "")
		}
		coerced, ok := coerce(value, rule.DataType)
		if !ok {
			continue
		}
		if rule.Role == model.RoleField {
			point.SetField(rule.TargetName, coerced)
		} else {
			// sink tag sets are string-only
			point.SetTag(rule.TargetName, cast.ToString(coerced))
		}
	}
	if point.FieldCount() == 0 {
		point.SetField(DefaultFieldName, int64(1))
	}
	point.Timestamp = m.pointTimestamp(rec, doc)
	return point
}

// pointTimestamp resolves the point time: the extracted timestamp when it
// parses, else the record's own timestamp, else now. A malformed extracted
// timestamp degrades to the next tier rather than failing the record.
func (m *Mapper) pointTimestamp(rec model.LogRecord, doc extractor.Document) time.Time {
	if doc.Timestamp != "" {
		if ts, ok := parseExtractedTimestamp(doc.Timestamp); ok {
			return ts
		}
		m.log.Debugn("unparseable extracted timestamp, falling back to record time",
			logger.NewStringField("timestamp", doc.Timestamp))
	}
	if !rec.Timestamp.IsZero() {
		return rec.Timestamp
	}
	return m.now()
}

func (m *Mapper) transformRegexp(pattern string) (*regexp.Regexp, error) {
	if re, ok := m.transforms.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	m.transforms.Add(pattern, re)
	return re, nil
}

func coerce(value any, dataType model.DataType) (any, bool) {
	switch dataType {
	case model.TypeInteger:
		n, err := cast.ToInt64E(value)
		if err != nil {
			return nil, false
		}
		return n, true
	case model.TypeFloat:
		f, err := cast.ToFloat64E(value)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	case model.TypeBoolean:
		b, err := cast.ToBoolE(value)
		if err != nil {
			return nil, false
		}
		return b, true
	default:
		s := cast.ToString(value)
		if s == "" {
			return nil, false
		}
		return s, true
	}
}

func parseExtractedTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range extractedTimestampLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, true
		}
	}
	if epoch, err := strconv.ParseInt(value, 10, 64); err == nil {
		switch {
		case len(value) >= 18:
			return time.Unix(0, epoch), true
		case len(value) >= 13:
			return time.UnixMilli(epoch), true
		default:
			return time.Unix(epoch, 0), true
		}
	}
	if ts, err := dateparse.ParseAny(value); err == nil {
		return ts, true
	}
	return time.Time{}, false
}
