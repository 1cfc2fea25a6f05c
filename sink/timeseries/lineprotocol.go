package timeseries

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/logriverlabs/logriver/model"
)

var (
	tagEscaper         = strings.NewReplacer(`,`, `\,`, ` `, `\ `, `=`, `\=`)
	measurementEscaper = strings.NewReplacer(`,`, `\,`, ` `, `\ `)
	stringFieldEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// encodeLines renders points as newline-joined line protocol:
//
//	measurement[,tag=value,...] field=value[,...] timestamp
//
// Timestamps are encoded at the given precision; the same precision must be
// passed on the write call.
func encodeLines(measurement string, points []*model.Point, precision model.Precision) []byte {
	var buf bytes.Buffer
	for i, p := range points {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(measurementEscaper.Replace(measurement))
		for _, k := range p.TagKeys() {
			v, _ := p.Tag(k)
			buf.WriteByte(',')
			buf.WriteString(tagEscaper.Replace(k))
			buf.WriteByte('=')
			buf.WriteString(tagEscaper.Replace(v))
		}
		buf.WriteByte(' ')
		for j, k := range p.FieldKeys() {
			if j > 0 {
				buf.WriteByte(',')
			}
			v, _ := p.Field(k)
			buf.WriteString(tagEscaper.Replace(k))
			buf.WriteByte('=')
			buf.WriteString(encodeFieldValue(v))
		}
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(encodeTimestamp(p.Timestamp.UnixNano(), precision), 10))
	}
	return buf.Bytes()
}

func encodeFieldValue(value any) string {
	switch v := value.(type) {
	case int64:
		// explicit integer marker, otherwise the sink stores a float
		return strconv.FormatInt(v, 10) + "i"
	case int:
		return strconv.Itoa(v) + "i"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return `"` + stringFieldEscaper.Replace(v) + `"`
	default:
		return `"` + stringFieldEscaper.Replace(fmt.Sprintf("%v", v)) + `"`
	}
}

func encodeTimestamp(nanos int64, precision model.Precision) int64 {
	switch precision {
	case model.PrecisionSecond:
		return nanos / int64(1e9)
	case model.PrecisionMillisecond:
		return nanos / int64(1e6)
	default:
		return nanos
	}
}
