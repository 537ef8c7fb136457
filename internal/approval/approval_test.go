package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/review"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []Status
}

func (r *recorder) ApprovalChanged(_ context.Context, req Request, _ *Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, req.Status)
}

func newGateway(t *testing.T, ttl time.Duration) (*Gateway, *clock, *recorder) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	g, err := NewGateway(NewMemoryStore(), Config{DefaultTTL: ttl}, WithClock(c.Now), WithObserver(rec))
	require.NoError(t, err)
	return g, c, rec
}

func failReport() *review.Report {
	return review.Aggregate(stage.PhaseDesignReview, []review.Finding{
		{SpecialistID: "security", Severity: review.SeverityCritical, Description: "plaintext secrets"},
	})
}

func TestGateway_RequestIsPending(t *testing.T) {
	g, c, rec := newGateway(t, time.Hour)
	ctx := context.Background()

	id, err := g.Request(ctx, "t1", "design_review", failReport())
	require.NoError(t, err)

	r, err := g.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "t1", r.TaskID)
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, c.Now().Add(time.Hour), *r.ExpiresAt)
	assert.Equal(t, 1, r.QualityReport.CriticalCount)
	assert.Equal(t, []Status{StatusPending}, rec.events)

	pending, err := g.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestGateway_DecideValidation(t *testing.T) {
	g, _, _ := newGateway(t, 0)
	ctx := context.Background()
	id, err := g.Request(ctx, "t1", "design_review", failReport())
	require.NoError(t, err)

	_, err = g.Decide(ctx, id, VerdictApproved, "alice", "   ")
	assert.ErrorIs(t, err, ErrEmptyJustification)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = g.Decide(ctx, "nope", VerdictApproved, "alice", "ok")
	assert.ErrorIs(t, err, ErrUnknownRequest)

	_, err = g.Decide(ctx, id, Verdict("maybe"), "alice", "ok")
	assert.ErrorIs(t, err, ErrInvalidDecision)

	r, err := g.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status, "rejected calls leave the request unchanged")
}

func TestGateway_DuplicateDecision(t *testing.T) {
	for _, first := range []Verdict{VerdictApproved, VerdictRejected} {
		t.Run(string(first), func(t *testing.T) {
			g, _, _ := newGateway(t, 0)
			ctx := context.Background()
			id, err := g.Request(ctx, "t1", "design_review", failReport())
			require.NoError(t, err)

			r, err := g.Decide(ctx, id, first, "alice", "reviewed")
			require.NoError(t, err)
			assert.Equal(t, first.Status(), r.Status)

			for _, second := range []Verdict{VerdictApproved, VerdictRejected, VerdictDeferred} {
				_, err = g.Decide(ctx, id, second, "bob", "late")
				assert.ErrorIs(t, err, ErrDuplicateDecision)
			}

			r, err = g.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, first.Status(), r.Status)

			ds, err := g.Decisions(ctx, id)
			require.NoError(t, err)
			require.Len(t, ds, 1)
			assert.Equal(t, "alice", ds[0].Reviewer)
		})
	}
}

func TestGateway_DeferredThenFinal(t *testing.T) {
	g, _, _ := newGateway(t, 0)
	ctx := context.Background()
	id, err := g.Request(ctx, "t1", "design_review", failReport())
	require.NoError(t, err)

	r, err := g.Decide(ctx, id, VerdictDeferred, "alice", "need the architect")
	require.NoError(t, err)
	assert.Equal(t, StatusDeferred, r.Status)

	_, err = g.Decide(ctx, id, VerdictDeferred, "alice", "still waiting")
	assert.ErrorIs(t, err, ErrDuplicateDecision)

	pending, err := g.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "deferred requests stay open")

	r, err = g.Decide(ctx, id, VerdictApproved, "carol", "architect signed off")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, r.Status)

	ds, err := g.Decisions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, ds, 2)
}

func TestGateway_ConcurrentDecisionsFirstWins(t *testing.T) {
	g, _, _ := newGateway(t, 0)
	ctx := context.Background()
	id, err := g.Request(ctx, "t1", "design_review", failReport())
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := VerdictApproved
			if i%2 == 1 {
				v = VerdictRejected
			}
			_, errs[i] = g.Decide(ctx, id, v, "reviewer", "concurrent")
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateDecision)
	}
	assert.Equal(t, 1, ok)

	ds, err := g.Decisions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, ds, 1)
}

func TestGateway_Expire(t *testing.T) {
	g, c, rec := newGateway(t, time.Hour)
	ctx := context.Background()
	id, err := g.Request(ctx, "t1", "design_review", failReport())
	require.NoError(t, err)

	expired, err := g.Expire(ctx, id)
	require.NoError(t, err)
	assert.False(t, expired, "not due yet")

	c.Advance(time.Hour)
	expired, err = g.Expire(ctx, id)
	require.NoError(t, err)
	assert.True(t, expired)

	r, err := g.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, r.Status)
	assert.Equal(t, []Status{StatusPending, StatusExpired}, rec.events)

	_, err = g.Decide(ctx, id, VerdictApproved, "alice", "too late")
	assert.ErrorIs(t, err, ErrDuplicateDecision)
}

func TestGateway_DecideOnDueRequestExpiresIt(t *testing.T) {
	g, c, _ := newGateway(t, time.Minute)
	ctx := context.Background()
	id, err := g.Request(ctx, "t1", "design_review", failReport())
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	_, err = g.Decide(ctx, id, VerdictApproved, "alice", "approve")
	require.ErrorIs(t, err, ErrDuplicateDecision)

	r, err := g.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, r.Status)
}

func TestGateway_ExpireDue(t *testing.T) {
	g, c, _ := newGateway(t, time.Hour)
	ctx := context.Background()
	first, err := g.Request(ctx, "t1", "design_review", failReport())
	require.NoError(t, err)
	c.Advance(30 * time.Minute)
	_, err = g.Request(ctx, "t2", "implement_review", failReport())
	require.NoError(t, err)

	c.Advance(45 * time.Minute)
	expired, err := g.ExpireDue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, first, expired[0].ID)
	assert.Equal(t, StatusExpired, expired[0].Status)

	pending, err := g.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t2", pending[0].TaskID)
}

func TestGateway_NoTTLNeverExpires(t *testing.T) {
	g, c, _ := newGateway(t, 0)
	ctx := context.Background()
	id, err := g.Request(ctx, "t1", "design_review", nil)
	require.NoError(t, err)

	c.Advance(10000 * time.Hour)
	expired, err := g.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	r, err := g.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, r.ExpiresAt)
}

func TestGateway_Withdraw(t *testing.T) {
	g, _, _ := newGateway(t, 0)
	ctx := context.Background()
	id, err := g.Request(ctx, "t1", "design_review", failReport())
	require.NoError(t, err)

	require.NoError(t, g.Withdraw(ctx, id))
	r, err := g.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, r.Status)

	err = g.Withdraw(ctx, id)
	assert.True(t, errors.Is(err, ErrDuplicateDecision))

	list, err := g.ForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(" Approved ")
	require.NoError(t, err)
	assert.Equal(t, VerdictApproved, v)

	_, err = ParseVerdict("ship it")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestGateway_DecideNormalizesVerdict(t *testing.T) {
	tests := []struct {
		verdict Verdict
		want    Status
		stored  Verdict
	}{
		{Verdict("Approved"), StatusApproved, VerdictApproved},
		{Verdict("APPROVED"), StatusApproved, VerdictApproved},
		{Verdict(" Rejected "), StatusRejected, VerdictRejected},
		{Verdict("Deferred"), StatusDeferred, VerdictDeferred},
	}
	for _, tt := range tests {
		t.Run(string(tt.verdict), func(t *testing.T) {
			g, _, _ := newGateway(t, 0)
			ctx := context.Background()
			id, err := g.Request(ctx, "t1", "design_review", failReport())
			require.NoError(t, err)

			r, err := g.Decide(ctx, id, tt.verdict, "ana", "reviewed")
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Status)

			decisions, err := g.Decisions(ctx, id)
			require.NoError(t, err)
			require.Len(t, decisions, 1)
			assert.Equal(t, tt.stored, decisions[0].Verdict)
		})
	}
}

func TestVerdict_StatusUnknown(t *testing.T) {
	assert.Equal(t, StatusDeferred, VerdictDeferred.Status())
	assert.Equal(t, Status(""), Verdict("Approved").Status())
	assert.Equal(t, Status(""), Verdict("ship it").Status())
}

func TestNewGateway_Validation(t *testing.T) {
	_, err := NewGateway(nil, DefaultConfig())
	assert.Error(t, err)
	_, err = NewGateway(NewMemoryStore(), Config{DefaultTTL: -time.Second})
	assert.Error(t, err)
}
