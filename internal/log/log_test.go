package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, lvl Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(lvl)
	t.Cleanup(func() {
		SetOutput(&bytes.Buffer{})
		SetLevel(LevelInfo)
	})
	return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(l), &m), l)
		out = append(out, m)
	}
	return out
}

func TestFieldsAndLevels(t *testing.T) {
	buf := capture(t, LevelInfo)

	Debug("hidden")
	Info("refresh done", "frame", 3, "took", 2*time.Second)
	Error("refresh failed", errors.New("boom"), "attempt", 2, 7)

	got := lines(t, buf)
	require.Len(t, got, 2)

	assert.Equal(t, "info", got[0]["level"])
	assert.Equal(t, "refresh done", got[0]["message"])
	assert.EqualValues(t, 3, got[0]["frame"])
	assert.Equal(t, "2s", got[0]["took"])
	assert.Contains(t, got[0], "time")

	assert.Equal(t, "error", got[1]["level"])
	assert.Equal(t, "boom", got[1]["error"])
	assert.EqualValues(t, 2, got[1]["attempt"])
}

func TestSetLevel(t *testing.T) {
	buf := capture(t, LevelDebug)
	Debug("shown", "wrapped", errors.New("inner"))

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "debug", got[0]["level"])
	assert.Equal(t, "inner", got[0]["wrapped"])

	buf.Reset()
	SetLevel(LevelError)
	Warn("dropped")
	Info("dropped")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("loud"))
}
