package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/harvestd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferedLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Caller = false
	if mutate != nil {
		mutate(cfg)
	}
	var buf bytes.Buffer
	l, err := newLogger(cfg, nil, &buf)
	require.NoError(t, err)
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_ContextFields(t *testing.T) {
	l, buf := newBufferedLogger(t, nil)

	ctx := WithJobID(context.Background(), "job-1")
	ctx = WithTicketID(ctx, "4711")
	l.Info(ctx, "ticket processed", zap.Int("activities", 3))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ticket processed", lines[0]["msg"])
	assert.Equal(t, "job-1", lines[0]["job.id"])
	assert.Equal(t, "4711", lines[0]["ticket.id"])
	assert.Equal(t, "harvestd", lines[0]["service"])
	assert.EqualValues(t, 3, lines[0]["activities"])
}

func TestLogger_TraceCorrelation(t *testing.T) {
	l, buf := newBufferedLogger(t, nil)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "with span")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", lines[0]["trace_id"])
}

func TestLogger_RedactsSensitiveFields(t *testing.T) {
	l, buf := newBufferedLogger(t, nil)

	l.Info(context.Background(), "calling api",
		zap.String("x-auth-token", "abc123"),
		zap.String("header", "Bearer eyJhbGciOi"),
		Secret("api_key_field", config.Secret("hunter2")),
	)
	l.With(zap.String("token", "with-field")).Warn(context.Background(), "child")

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "eyJhbGciOi")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "with-field")
	assert.Contains(t, out, "[REDACTED:7]")
}

func TestLogger_RedactsMessagePatterns(t *testing.T) {
	l, buf := newBufferedLogger(t, nil)
	l.Error(context.Background(), "request failed with Bearer abc.def")
	assert.NotContains(t, buf.String(), "abc.def")
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := newBufferedLogger(t, func(c *Config) { c.Level = zapcore.WarnLevel })

	l.Debug(context.Background(), "hidden")
	l.Info(context.Background(), "hidden too")
	l.Warn(context.Background(), "shown")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.False(t, l.Enabled(zapcore.InfoLevel))
}

func TestLogger_TraceLevelName(t *testing.T) {
	l, buf := newBufferedLogger(t, func(c *Config) { c.Level = TraceLevel })
	l.Trace(context.Background(), "wire")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
}

func TestLogger_SamplingKeepsErrors(t *testing.T) {
	l, buf := newBufferedLogger(t, func(c *Config) {
		c.Sampling = SamplingConfig{Enabled: true, Tick: config.Duration(60e9), Initial: 2, Thereafter: 0}
	})

	for i := 0; i < 10; i++ {
		l.Info(context.Background(), "repeated")
	}
	for i := 0; i < 5; i++ {
		l.Error(context.Background(), "failure")
	}

	var infos, errs int
	for _, line := range decodeLines(t, buf) {
		switch line["msg"] {
		case "repeated":
			infos++
		case "failure":
			errs++
		}
	}
	assert.Equal(t, 2, infos)
	assert.Equal(t, 5, errs)
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"no outputs", func(c *Config) { c.Output = OutputConfig{} }},
		{"bad stream", func(c *Config) { c.Output.Stream = "file" }},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"k": ""} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, NewDefaultConfig().Validate())
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.LogConfig{Level: "debug", Format: "console"}, false)
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = FromAppConfig(config.LogConfig{Level: "chatty"}, false)
	assert.Error(t, err)
}

func TestTestLogger_Assertions(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithJobID(context.Background(), "j")
	tl.Warn(ctx, "search truncated", zap.Int("found", 1000))

	tl.AssertLogged(t, zapcore.WarnLevel, "truncated")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "truncated")
	tl.AssertField(t, "search truncated", "found", int64(1000))
	tl.AssertField(t, "search truncated", "job.id", "j")
	tl.AssertNotContains(t, "secret")
}
