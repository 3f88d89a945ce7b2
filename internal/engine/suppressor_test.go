package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func suppressibleInsight(hash string, sev Severity) Insight {
	return Insight{
		InsightID:      hash,
		InsightHash:    hash,
		Severity:       sev,
		PriorityScore:  0.5,
		ExpectedImpact: ExpectedImpact{Estimate: 100},
	}
}

func TestSuppressorCooldown(t *testing.T) {
	ctx := context.Background()
	s := NewSuppressor(SuppressorConfig{CooldownDays: 5}, NewMemorySuppressionStore())
	t0 := time.Now().UTC()

	first, err := s.Filter(ctx, []Insight{suppressibleInsight("h1", SeverityMedium)}, t0)
	require.NoError(t, err)
	require.Len(t, first.Emitted, 1)

	// Same insight at t0 + C/2 with same severity: suppressed.
	half := t0.Add(5 * 24 * time.Hour / 2)
	second, err := s.Filter(ctx, []Insight{suppressibleInsight("h1", SeverityMedium)}, half)
	require.NoError(t, err)
	require.Empty(t, second.Emitted)
	require.Equal(t, 1, second.ByReason["cooldown"])

	// Lower severity is also suppressed.
	lower, err := s.Filter(ctx, []Insight{suppressibleInsight("h1", SeverityLow)}, half)
	require.NoError(t, err)
	require.Empty(t, lower.Emitted)

	// Strictly higher severity breaks through the cooldown.
	escalated, err := s.Filter(ctx, []Insight{suppressibleInsight("h1", SeverityHigh)}, half)
	require.NoError(t, err)
	require.Len(t, escalated.Emitted, 1)

	// After the full cooldown the insight may resurface unescalated.
	later, err := s.Filter(ctx, []Insight{suppressibleInsight("h2", SeverityMedium)}, t0)
	require.NoError(t, err)
	require.Len(t, later.Emitted, 1)
	after, err := s.Filter(ctx, []Insight{suppressibleInsight("h2", SeverityMedium)}, t0.Add(6*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, after.Emitted, 1)
}

func TestSuppressorFloors(t *testing.T) {
	ctx := context.Background()
	s := NewSuppressor(SuppressorConfig{MinPriority: 0.05, ImpactThreshold: 0.01}, nil)

	dim := suppressibleInsight("h1", SeverityMedium)
	dim.PriorityScore = 0.01
	worthless := suppressibleInsight("h2", SeverityMedium)
	worthless.ExpectedImpact.Estimate = 0.001
	fine := suppressibleInsight("h3", SeverityMedium)

	res, err := s.Filter(ctx, []Insight{dim, worthless, fine}, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, res.Emitted, 1)
	require.Equal(t, "h3", res.Emitted[0].InsightHash)
	require.Equal(t, 1, res.ByReason["min_priority"])
	require.Equal(t, 1, res.ByReason["impact_threshold"])
}

func TestRedisSuppressionStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisSuppressionStore(client, "")
	ctx := context.Background()

	// Missing key reads as nil state, not an error.
	state, err := store.Get(ctx, "absent")
	require.NoError(t, err)
	require.Nil(t, state)

	now := time.Now().UTC().Truncate(time.Second)
	err = store.Put(ctx, SuppressionState{InsightHash: "h1", LastEmittedAt: now, LastSeverity: SeverityHigh}, time.Hour)
	require.NoError(t, err)

	got, err := store.Get(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, SeverityHigh, got.LastSeverity)
	require.True(t, got.LastEmittedAt.Equal(now))

	// Cooldown TTL expires the key.
	mr.FastForward(2 * time.Hour)
	expired, err := store.Get(ctx, "h1")
	require.NoError(t, err)
	require.Nil(t, expired)
}

func TestSuppressorWithRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewSuppressor(DefaultSuppressorConfig(), NewRedisSuppressionStore(client, ""))
	ctx := context.Background()
	now := time.Now().UTC()

	res, err := s.Filter(ctx, []Insight{suppressibleInsight("h1", SeverityMedium)}, now)
	require.NoError(t, err)
	require.Len(t, res.Emitted, 1)

	res, err = s.Filter(ctx, []Insight{suppressibleInsight("h1", SeverityMedium)}, now.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, res.Emitted)
	require.Equal(t, 1, res.Dropped)
}

func TestSuppressorFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewSuppressor(DefaultSuppressorConfig(), NewRedisSuppressionStore(client, ""))
	mr.Close() // break the store

	res, err := s.Filter(context.Background(), []Insight{suppressibleInsight("h1", SeverityMedium)}, time.Now().UTC())
	require.Error(t, err)
	// The insight still surfaces; a broken store never silences the engine.
	require.Len(t, res.Emitted, 1)
}
