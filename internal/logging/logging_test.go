package logging

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad format", func(c *Config) { c.Format = "xml" }, "format must be"},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }, "at least one output"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling tick"},
		{"negative skip", func(c *Config) { c.Caller.Skip = -1 }, "caller skip"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "invalid redaction pattern"},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }, "empty value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
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

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))

	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{OTEL: true}
	_, err = NewLogger(cfg, nil)
	assert.Error(t, err, "otel output without a provider leaves no cores")
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithTaskID(ctx, "task-1")
	ctx = WithPhase(ctx, "design_review")
	ctx = WithRequestID(ctx, "req_42")

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	keys := map[string]string{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = f.String
	}
	assert.Equal(t, "task-1", keys["task.id"])
	assert.Equal(t, "design_review", keys["task.phase"])
	assert.Equal(t, "req_42", keys["request.id"])
	assert.Equal(t, traceID.String(), keys["trace_id"])
}

func TestWithRequestID_DropsInvalid(t *testing.T) {
	ctx := WithRequestID(context.Background(), "bad id with spaces")
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = WithTaskID(context.Background(), "")
	assert.Empty(t, TaskIDFromContext(ctx))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "hello")
	tl.AssertLogged(t, zapcore.InfoLevel, "hello")
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithTaskID(context.Background(), "t1")

	tl.Warn(ctx, "reviewer degraded", zap.String("specialist", "security"), zap.Int("attempt", 2))
	tl.AssertLogged(t, zapcore.WarnLevel, "degraded")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "degraded")
	tl.AssertField(t, "reviewer degraded", "specialist", "security")
	tl.AssertField(t, "reviewer degraded", "task.id", "t1")
	tl.AssertField(t, "reviewer degraded", "attempt", int64(2))
	assert.Equal(t, 1, tl.FilterMessage("degraded").Len())

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "call", Time: time.Unix(0, 0)}, []zap.Field{
		zap.String("token", "abc123"),
		zap.String("header", "Bearer abc.def"),
		zap.String("executor", "planner"),
		RedactedString("body", "12345"),
	})
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "abc.def")
	assert.Contains(t, out, `"token":"[REDACTED]"`)
	assert.Contains(t, out, `"header":"[REDACTED:pattern]"`)
	assert.Contains(t, out, `"executor":"planner"`)
	assert.Contains(t, out, `"body":"[REDACTED:5]"`)
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{})
	require.NoError(t, err)
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, []zap.Field{zap.String("token", "visible")})
	require.NoError(t, err)
	assert.True(t, bytes.Contains(buf.Bytes(), []byte("visible")))
}

type fakeSecret string

func (s fakeSecret) Value() string { return string(s) }

func TestSecretField(t *testing.T) {
	f := Secret("api", fakeSecret("hunter2"))
	assert.Equal(t, "[REDACTED:7]", f.String)
}

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling = SamplingConfig{Enabled: true, Tick: time.Minute, Initial: 1, Thereafter: 0}

	tl := NewTestLogger()
	core := newSampledCore(tl.Underlying().Core(), cfg.Sampling)
	l := zap.New(core)

	for i := 0; i < 5; i++ {
		l.Info("repeated")
		l.Error("failure")
	}
	assert.Equal(t, 1, tl.FilterMessage("repeated").Len())
	assert.Equal(t, 5, tl.FilterMessage("failure").Len())
}
