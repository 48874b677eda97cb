package manifestbot

import (
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestDBLogLevel(t *testing.T) {
	tests := []struct {
		input   any
		want    DBLogLevel
		level   slog.Level
		wantErr bool
	}{
		{input: "DEBUG", want: DBLogLevelDebug, level: slog.LevelDebug},
		{input: "info", want: DBLogLevelInfo, level: slog.LevelInfo},
		{input: []byte("Warn"), want: DBLogLevelWarn, level: slog.LevelWarn},
		{input: "ERROR", want: DBLogLevelError, level: slog.LevelError},
		{input: "TRACE", wantErr: true},
		{input: 4, wantErr: true},
	}
	for _, tc := range tests {
		var lvl DBLogLevel
		err := lvl.Scan(tc.input)
		if tc.wantErr {
			assert.Error(t, err, tc.input)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, lvl)
		assert.Equal(t, tc.level, lvl.Level())

		v, valueErr := lvl.Value()
		require.NoError(t, valueErr)
		assert.Equal(t, string(tc.want), v)
	}
}

func TestDBLogLevelJSON(t *testing.T) {
	data, err := json.Marshal(DBLogLevelWarn)
	require.NoError(t, err)
	assert.Equal(t, `"WARN"`, string(data))

	var lvl DBLogLevel
	require.NoError(t, json.Unmarshal([]byte(`"debug"`), &lvl))
	assert.Equal(t, DBLogLevelDebug, lvl)

	assert.Error(t, json.Unmarshal([]byte(`"loud"`), &lvl))
	assert.Error(t, json.Unmarshal([]byte(`3`), &lvl))
}

func TestDBLogLevelUnknownLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, DBLogLevel("nope").Level())
}
