package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
)

func TestNewLogger_DefaultConfig(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(TraceLevel))
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = false
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	l, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, l)

	l, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l)

	_, err = LevelFromString("shouting")
	require.Error(t, err)
}

func TestContextFields_RunIdentity(t *testing.T) {
	ctx := WithRun(context.Background(), "proj-1", "feat-9")
	fields := ContextFields(ctx)

	keys := make(map[string]string)
	for _, f := range fields {
		keys[f.Key] = f.String
	}
	assert.Equal(t, "proj-1", keys["project.id"])
	assert.Equal(t, "feat-9", keys["feature.id"])
}

func TestContextFields_RequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	fields := ContextFields(ctx)
	require.Len(t, fields, 1)
	assert.Equal(t, "request.id", fields[0].Key)
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	// Must not panic.
	logger.Info(context.Background(), "ignored")
}

func TestTestLogger_CarriesContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRun(context.Background(), "p", "f")
	tl.Info(ctx, "run started")

	tl.AssertLogged(t, zapcore.InfoLevel, "run started")
	entries := tl.FilterMessage("run started").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "p", entries[0].ContextMap()["project.id"])
}

func TestRedactingEncoder_FieldNames(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, RedactionConfig{
		Enabled: true,
		Fields:  []string{"api_key"},
	})
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, []zapcore.Field{
		zap.String("api_key", "sk-ant-secret"),
		zap.String("model", "claude-sonnet-4-5"),
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "sk-ant-secret")
	assert.Contains(t, out, "claude-sonnet-4-5")
}

func TestRedactingEncoder_ValuePatterns(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, RedactionConfig{
		Enabled:  true,
		Patterns: []string{`sk-ant-\S+`},
	})
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, []zapcore.Field{
		zap.String("diagnostic", "auth failed for key sk-ant-abc123"),
	})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "sk-ant-abc123")
	assert.Contains(t, buf.String(), "[REDACTED:pattern]")
}

func TestRedactingEncoder_InvalidPattern(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	_, err := NewRedactingEncoder(base, RedactionConfig{
		Enabled:  true,
		Patterns: []string{"("},
	})
	require.Error(t, err)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "configured", Secret("api_key", config.Secret("sk-ant-xyz")))

	entries := tl.FilterMessage("configured").All()
	require.Len(t, entries, 1)
	// Object marshaler emits a length-only placeholder.
	m := entries[0].ContextMap()
	require.Contains(t, m, "api_key")
}
