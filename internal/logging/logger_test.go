package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelInfo), WithService("svc"))

	logger.Debug("skip")
	require.Zero(t, buf.Len(), "expected no output for debug at info level")

	logger.Info("hello", "correlation_id", "abc", "foo", "bar", "num", 1)
	entry := decodeLastLog(t, buf.Bytes())

	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "abc", entry["correlation_id"])
	assert.Equal(t, "svc", entry["service"])

	fields := entry["fields"].(map[string]interface{})
	assert.Equal(t, "bar", fields["foo"])
	assert.Equal(t, float64(1), fields["num"])
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelWarn))
	ctx := WithCorrelationID(context.Background(), "ctxid")

	logger.InfoWithContext(ctx, "skip")
	require.Zero(t, buf.Len())

	logger.WarnWithContext(ctx, "warned", "k", "v")
	entry := decodeLastLog(t, buf.Bytes())
	assert.Equal(t, "ctxid", entry["correlation_id"])
}

func TestLoggerWithChildFields(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(WithOutput(&buf))
	child := root.With("component", "collector", "run_id", "r1")

	child.Info("attempt", "platform", "youtube")
	entry := decodeLastLog(t, buf.Bytes())
	fields := entry["fields"].(map[string]interface{})
	assert.Equal(t, "collector", fields["component"])
	assert.Equal(t, "r1", fields["run_id"])
	assert.Equal(t, "youtube", fields["platform"])

	root.Info("plain")
	entry = decodeLastLog(t, buf.Bytes())
	assert.Nil(t, entry["fields"])
}

func TestLoggerSetLevelAffectsChildren(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(WithOutput(&buf), WithLevel(LevelError))
	child := root.With("component", "scheduler")

	child.Info("hidden")
	require.Zero(t, buf.Len())

	root.SetLevel(LevelDebug)
	child.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, LevelDebug, child.Level())
}

func TestLoggerErrorFieldsAreStrings(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))
	logger.Error("failed", "error", errors.New("boom"))

	entry := decodeLastLog(t, buf.Bytes())
	fields := entry["fields"].(map[string]interface{})
	assert.Equal(t, "boom", fields["error"])
}

func TestLoggerFatalExits(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))
	code := -1
	logger.sink.exit = func(c int) { code = c }

	logger.Fatal("bye")
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "bye")
}

func TestLoggerMarshalError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelDebug))

	logger.Info("bad", "field", func() {})
	assert.Zero(t, buf.Len(), "expected no output when marshal fails")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestParseFields(t *testing.T) {
	cid, fields := parseFields([]interface{}{"correlation_id", "cid", "foo", 1, 42, "bad"})
	assert.Equal(t, "cid", cid)
	assert.Equal(t, 1, fields["foo"])
	assert.Len(t, fields, 1)
}

func decodeLastLog(t *testing.T, data []byte) map[string]interface{} {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 0 {
		t.Fatalf("no log output")
	}
	line := lines[len(lines)-1]
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("failed to decode log entry: %v", err)
	}
	return entry
}
