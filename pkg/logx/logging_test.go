package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWithAddsFixedFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("job", "a.yaml"))
	log.Debug("hidden")
	log.Warn("cart error", String("crn", "10001"), Err(errors.New("Time Conflict")))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	require.Equal(t, "a.yaml", lines[0]["job"])
	require.Equal(t, "10001", lines[0]["crn"])
	require.Equal(t, "Time Conflict", lines[0]["err"])
	require.Equal(t, "warn", lines[0]["level"])
	require.Contains(t, lines[0]["caller"], "logging_test.go:")
}

func TestWithFileTeesAtDebug(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "jobs", "a.log")
	log, closer, err := NewWriter(&buf, "info").With(String("job", "a.yaml")).WithFile(path)
	require.NoError(t, err)

	log.Debug("probe", Int("seats", 3))
	log.Info("registered")
	require.NoError(t, closer.Close())

	require.Len(t, decodeLines(t, buf.Bytes()), 1)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 2)
	require.Equal(t, "a.yaml", lines[0]["job"])
	require.EqualValues(t, 3, lines[0]["seats"])
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	require.True(t, zero.IsZero())
	zero.Error("dropped")

	nop := Nop()
	require.False(t, nop.IsZero())
	nop.Info("dropped")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.WarnLevel, parseLevel("warning", zerolog.InfoLevel))
	require.Equal(t, zerolog.DebugLevel, parseLevel(" debug ", zerolog.InfoLevel))
	require.Equal(t, zerolog.InfoLevel, parseLevel("loud", zerolog.InfoLevel))
}

func TestServiceWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dare.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	log = log.With(String("comp", "portal"))
	log.Info("hidden")
	log.Error("login failed", Err(errors.New("invalid credentials")))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 1)
	require.Equal(t, "portal", lines[0]["comp"])
	require.Equal(t, "invalid credentials", lines[0]["err"])
}
