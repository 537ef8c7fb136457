package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestPhase_Next(t *testing.T) {
	tests := []struct {
		phase Phase
		want  Phase
	}{
		{PhasePlan, PhaseDesign},
		{PhaseDesign, PhaseDesignReview},
		{PhaseDesignReview, PhaseImplement},
		{PhaseImplement, PhaseImplementReview},
		{PhaseImplementReview, PhaseValidate},
		{PhaseValidate, PhaseRetrospective},
		{PhaseRetrospective, PhaseCompleted},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			got, err := tt.phase.Next()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := PhaseCompleted.Next()
	assert.Error(t, err)
}

func TestPhase_Originating(t *testing.T) {
	p, ok := PhaseDesignReview.Originating()
	assert.True(t, ok)
	assert.Equal(t, PhaseDesign, p)

	p, ok = PhaseImplementReview.Originating()
	assert.True(t, ok)
	assert.Equal(t, PhaseImplement, p)

	_, ok = PhaseValidate.Originating()
	assert.False(t, ok)
	assert.True(t, PhaseDesignReview.IsReview())
	assert.False(t, PhasePlan.IsReview())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"structural", &StructuralValidationError{Reason: "bad"}, ClassStructural},
		{"wrapped structural", fmt.Errorf("plan: %w", &StructuralValidationError{Reason: "bad"}), ClassStructural},
		{"transient", &TransientError{Reason: "503"}, ClassTransient},
		{"fatal", &FatalError{Reason: "quota"}, ClassFatal},
		{"cancelled", context.Canceled, ClassCancelled},
		{"unknown", errors.New("boom"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestInvoke_TimeoutIsTransient(t *testing.T) {
	slow := Func{ID: "slow", Fn: func(ctx context.Context, in Input) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	_, _, err := Invoke(context.Background(), slow, Input{}, 10*time.Millisecond)

	require.Error(t, err)
	assert.Equal(t, ClassTransient, Classify(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestInvoke_FillsLatency(t *testing.T) {
	fast := Func{ID: "fast", Fn: func(ctx context.Context, in Input) (*Result, error) {
		time.Sleep(2 * time.Millisecond)
		return &Result{Artifact: json.RawMessage(`{}`)}, nil
	}}

	res, elapsed, err := Invoke(context.Background(), fast, Input{}, time.Second)

	require.NoError(t, err)
	assert.Equal(t, elapsed, res.Usage.Latency)
	assert.Positive(t, res.Usage.Latency)
}

func TestInvoke_NilResultIsStructural(t *testing.T) {
	empty := Func{ID: "empty", Fn: func(ctx context.Context, in Input) (*Result, error) {
		return nil, nil
	}}

	_, _, err := Invoke(context.Background(), empty, Input{}, 0)
	assert.Equal(t, ClassStructural, Classify(err))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	planner := Func{ID: "planner"}
	reg.Register(PhasePlan, planner)
	reg.RegisterReviewer("security", Func{ID: "security"})
	reg.RegisterReviewer("arch", Func{ID: "arch"})

	got, err := reg.Executor(PhasePlan)
	require.NoError(t, err)
	assert.Equal(t, "planner", got.Identity())

	_, err = reg.Executor(PhaseDesign)
	assert.ErrorIs(t, err, ErrNoExecutor)

	_, err = reg.Reviewer("perf")
	assert.ErrorIs(t, err, ErrNoReviewer)
	assert.Equal(t, []string{"arch", "security"}, reg.Reviewers())
}

func TestRemoteExecutor_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorClass
	}{
		{"ok", http.StatusOK, `{"artifact":{"units":[]},"usage":{"tokens_in":3,"tokens_out":4,"cost":0.5}}`, ClassNone},
		{"structural", http.StatusUnprocessableEntity, `{"units":[`, ClassStructural},
		{"throttled", http.StatusTooManyRequests, ``, ClassTransient},
		{"unavailable", http.StatusServiceUnavailable, ``, ClassTransient},
		{"forbidden", http.StatusForbidden, `no`, ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				var in Input
				require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
				assert.Equal(t, PhasePlan, in.Phase)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			exec := NewRemoteExecutor("planner", srv.URL, WithBearerToken("tok"))
			res, err := exec.Execute(context.Background(), Input{Phase: PhasePlan})

			assert.Equal(t, tt.want, Classify(err))
			if tt.want == ClassNone {
				require.NotNil(t, res)
				assert.Equal(t, 7, res.Usage.Tokens())
				assert.JSONEq(t, `{"units":[]}`, string(res.Artifact))
			}
			if tt.want == ClassStructural {
				var sv *StructuralValidationError
				require.ErrorAs(t, err, &sv)
				assert.Equal(t, tt.body, string(sv.Output))
			}
		})
	}
}

type replaceRedactor struct{ secret string }

func (r replaceRedactor) Redact(s string) string {
	return strings.ReplaceAll(s, r.secret, "[REDACTED]")
}

func TestRemoteExecutor_RedactsFatalBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`invalid key s3cr3t-value`))
	}))
	defer srv.Close()

	exec := NewRemoteExecutor("planner", srv.URL, WithRedactor(replaceRedactor{secret: "s3cr3t-value"}))
	_, err := exec.Execute(context.Background(), Input{Phase: PhasePlan})

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Contains(t, err.Error(), "planner returned 401: invalid key [REDACTED]")
	assert.NotContains(t, err.Error(), "s3cr3t-value")
}

func TestRateLimited_Delegates(t *testing.T) {
	calls := 0
	inner := Func{ID: "inner", Fn: func(ctx context.Context, in Input) (*Result, error) {
		calls++
		return &Result{Artifact: json.RawMessage(`{}`)}, nil
	}}
	limited := NewRateLimited(inner, rate.NewLimiter(rate.Inf, 1))

	_, err := limited.Execute(context.Background(), Input{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "inner", limited.Identity())
}

func TestRateLimited_DeadlineIsTransient(t *testing.T) {
	inner := Func{ID: "inner", Fn: func(ctx context.Context, in Input) (*Result, error) {
		return &Result{}, nil
	}}
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow())
	limited := NewRateLimited(inner, limiter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := limited.Execute(ctx, Input{})

	assert.Equal(t, ClassTransient, Classify(err))
}

func TestMemoryRecordStore(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.AppendRecord(ctx, ExecutionRecord{TaskID: "t1", Phase: PhaseDesign, Timestamp: now.Add(time.Second), Cost: 2}))
	require.NoError(t, store.AppendRecord(ctx, ExecutionRecord{TaskID: "t1", Phase: PhasePlan, Timestamp: now, Cost: 1, TokensIn: 5}))
	require.NoError(t, store.AppendRecord(ctx, ExecutionRecord{TaskID: "t2", Phase: PhasePlan, Timestamp: now}))

	recs, err := store.ListRecords(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, PhasePlan, recs[0].Phase)

	total := TotalUsage(recs)
	assert.Equal(t, 3.0, total.Cost)
	assert.Equal(t, 5, total.TokensIn)
}
