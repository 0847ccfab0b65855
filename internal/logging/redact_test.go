package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/s11ngh/supermemory-selfhosted/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// bufferLogger writes JSON through a redacting encoder into a buffer.
func bufferLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	enc, err := NewRedactingEncoder(newEncoder("json"), cfg.Redaction)
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	return FromZap(zap.New(core)), buf
}

func TestRedactingEncoder_SensitiveKeys(t *testing.T) {
	logger, buf := bufferLogger(t)

	logger.Info(context.Background(), "auth",
		zap.String("api_key", "sk-abc"),
		zap.String("Authorization", "Bearer xyz"),
		zap.String("container_tag", "work"),
	)

	out := buf.String()
	assert.NotContains(t, out, "sk-abc")
	assert.NotContains(t, out, "xyz")
	assert.Contains(t, out, `"container_tag":"work"`)
}

func TestRedactingEncoder_Patterns(t *testing.T) {
	logger, buf := bufferLogger(t)

	logger.Info(context.Background(), "connecting",
		zap.String("target", "postgres://memoryd:hunter2@db:5432/memoryd"),
		zap.String("header", "bearer abc.def"),
	)

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc.def")
	assert.Contains(t, out, "db:5432/memoryd")
}

func TestRedactingEncoder_WithFieldsStayRedacted(t *testing.T) {
	logger, buf := bufferLogger(t)

	logger.With(zap.String("token", "t0k3n")).Info(context.Background(), "child")
	assert.NotContains(t, buf.String(), "t0k3n")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: false})
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	logger := FromZap(zap.New(zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.InfoLevel)))
	logger.Info(context.Background(), "plain", zap.String("api_key", "visible"))

	assert.Contains(t, buf.String(), "visible")
}

func TestNewRedactingEncoder_RejectsBadPatterns(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{"("},
	})
	assert.Error(t, err)

	_, err = NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{strings.Repeat("a", maxPatternLen+1)},
	})
	assert.Error(t, err)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "loaded", Secret("dsn", config.Secret("postgres://x")))
	tl.Info(context.Background(), "header", RedactedString("authorization", "Bearer 123"))

	tl.AssertField(t, "loaded", "dsn", "[REDACTED:12]")
	tl.AssertField(t, "header", "authorization", "[REDACTED:10]")
}
