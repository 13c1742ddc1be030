package jobq

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlogLogger_FormatsAndFiltersLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	l.Debugf("hidden %d", 1)
	l.Infof("job done: id=%s", "42")
	l.Errorf("boom: %v", "x")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `msg="job done: id=42"`)
	require.Contains(t, out, "level=ERROR")
}
