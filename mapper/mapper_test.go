package mapper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/logriverlabs/logriver/extractor"
	"github.com/logriverlabs/logriver/model"
)

func TestMap_Rules(t *testing.T) {
	m := New(logger.NOP)
	doc := extractor.Document{JSON: []byte(`{
		"userId": 123,
		"score": "98.5",
		"active": true,
		"city": "berlin",
		"empty": "",
		"nullable": null,
		"request": "GET /api/rides/a1b2c3 HTTP/1.1"
	}`)}

	t.Run("static value regardless of document", func(t *testing.T) {
		rules := []model.MappingRule{
			{IsStatic: true, StaticValue: "prod", TargetName: "env", Role: model.RoleTag, DataType: model.TypeString},
		}
		p := m.Map(model.LogRecord{}, doc, rules)
		v, ok := p.Tag("env")
		require.True(t, ok)
		require.Equal(t, "prod", v)

		p = m.Map(model.LogRecord{}, extractor.Document{JSON: []byte(`{}`)}, rules)
		v, _ = p.Tag("env")
		require.Equal(t, "prod", v)
	})

	t.Run("typed fields", func(t *testing.T) {
		p := m.Map(model.LogRecord{}, doc, []model.MappingRule{
			{Path: "userId", TargetName: "user_id", Role: model.RoleField, DataType: model.TypeInteger},
			{Path: "score", TargetName: "score", Role: model.RoleField, DataType: model.TypeFloat},
			{Path: "active", TargetName: "active", Role: model.RoleField, DataType: model.TypeBoolean},
		})
		v, _ := p.Field("user_id")
		require.Equal(t, int64(123), v)
		v, _ = p.Field("score")
		require.Equal(t, 98.5, v)
		v, _ = p.Field("active")
		require.Equal(t, true, v)
	})

	t.Run("tags are stringified regardless of declared type", func(t *testing.T) {
		p := m.Map(model.LogRecord{}, doc, []model.MappingRule{
			{Path: "userId", TargetName: "user", Role: model.RoleTag, DataType: model.TypeInteger},
		})
		v, ok := p.Tag("user")
		require.True(t, ok)
		require.Equal(t, "123", v)
	})

	t.Run("missing path skips the rule, not the record", func(t *testing.T) {
		p := m.Map(model.LogRecord{}, doc, []model.MappingRule{
			{Path: "does.not.exist", TargetName: "gone", Role: model.RoleTag, DataType: model.TypeString},
			{Path: "city", TargetName: "city", Role: model.RoleTag, DataType: model.TypeString},
		})
		_, ok := p.Tag("gone")
		require.False(t, ok)
		v, _ := p.Tag("city")
		require.Equal(t, "berlin", v)
	})

	t.Run("empty and null values are skipped", func(t *testing.T) {
		p := m.Map(model.LogRecord{}, doc, []model.MappingRule{
			{Path: "empty", TargetName: "empty", Role: model.RoleTag, DataType: model.TypeString},
			{Path: "nullable", TargetName: "nullable", Role: model.RoleField, DataType: model.TypeString},
			{Path: "city", TargetName: "not_a_number", Role: model.RoleField, DataType: model.TypeInteger},
		})
		_, ok := p.Tag("empty")
		require.False(t, ok)
		_, ok = p.Field("nullable")
		require.False(t, ok)
		_, ok = p.Field("not_a_number")
		require.False(t, ok)
	})

	t.Run("transform pattern strips high-cardinality substrings", func(t *testing.T) {
		p := m.Map(model.LogRecord{}, doc, []model.MappingRule{
			{Path: "request", TargetName: "endpoint", Role: model.RoleTag, DataType: model.TypeString, TransformPattern: `/[0-9a-f]{6}`},
		})
		v, _ := p.Tag("endpoint")
		require.Equal(t, "GET /api/rides HTTP/1.1", v)
	})

	t.Run("default field injected when no rule produced one", func(t *testing.T) {
		p := m.Map(model.LogRecord{}, doc, []model.MappingRule{
			{Path: "city", TargetName: "city", Role: model.RoleTag, DataType: model.TypeString},
		})
		require.Equal(t, 1, p.FieldCount())
		v, ok := p.Field(DefaultFieldName)
		require.True(t, ok)
		require.Equal(t, int64(1), v)
	})
}

func TestMap_Timestamp(t *testing.T) {
	m := New(logger.NOP)
	fixed := time.Date(2024, 10, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	recordTime := time.Date(2024, 10, 15, 10, 0, 0, 0, time.UTC)

	testCases := []struct {
		name      string
		extracted string
		record    time.Time
		want      time.Time
	}{
		{
			name:      "extracted timestamp with millis",
			extracted: "2024-10-15 10:30:45.123",
			record:    recordTime,
			want:      time.Date(2024, 10, 15, 10, 30, 45, 123000000, time.UTC),
		},
		{
			name:      "extracted timestamp T separator",
			extracted: "2024-10-15T10:30:45",
			record:    recordTime,
			want:      time.Date(2024, 10, 15, 10, 30, 45, 0, time.UTC),
		},
		{
			name:      "epoch seconds",
			extracted: "1728988245",
			record:    recordTime,
			want:      time.Unix(1728988245, 0),
		},
		{
			name:      "epoch milliseconds",
			extracted: "1728988245123",
			record:    recordTime,
			want:      time.UnixMilli(1728988245123),
		},
		{
			name:      "malformed extracted timestamp falls back to record time",
			extracted: "garbage",
			record:    recordTime,
			want:      recordTime,
		},
		{
			name:   "no extracted timestamp uses record time",
			record: recordTime,
			want:   recordTime,
		},
		{
			name: "no timestamp at all uses now",
			want: fixed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc := extractor.Document{JSON: []byte(`{}`), Timestamp: tc.extracted}
			p := m.Map(model.LogRecord{Timestamp: tc.record}, doc, nil)
			require.True(t, p.Timestamp.Equal(tc.want), "got %s want %s", p.Timestamp, tc.want)
		})
	}
}
