package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SuppressorConfig tunes the noise gates.
type SuppressorConfig struct {
	CooldownDays    int     `yaml:"cooldown_days"`
	MinPriority     float64 `yaml:"min_priority"`
	ImpactThreshold float64 `yaml:"impact_threshold"`
}

// DefaultSuppressorConfig returns the standard gates: five-day cooldown,
// and floors that drop insights not worth an operator's attention.
func DefaultSuppressorConfig() SuppressorConfig {
	return SuppressorConfig{CooldownDays: 5, MinPriority: 0.05, ImpactThreshold: 0.01}
}

// SuppressionStore persists SuppressionState keyed by insight hash.
type SuppressionStore interface {
	Get(ctx context.Context, insightHash string) (*SuppressionState, error)
	Put(ctx context.Context, state SuppressionState, ttl time.Duration) error
}

// Suppressor gates which insights actually surface. An insight is dropped
// when its priority or impact is below the floors, or when the same hash
// was emitted within the cooldown at the same or higher severity. A strict
// severity escalation supersedes the cooldown entry instead of waiting it
// out.
type Suppressor struct {
	cfg   SuppressorConfig
	store SuppressionStore
}

func NewSuppressor(cfg SuppressorConfig, store SuppressionStore) *Suppressor {
	d := DefaultSuppressorConfig()
	if cfg.CooldownDays <= 0 {
		cfg.CooldownDays = d.CooldownDays
	}
	if cfg.MinPriority <= 0 {
		cfg.MinPriority = d.MinPriority
	}
	if cfg.ImpactThreshold <= 0 {
		cfg.ImpactThreshold = d.ImpactThreshold
	}
	if store == nil {
		store = NewMemorySuppressionStore()
	}
	return &Suppressor{cfg: cfg, store: store}
}

// SuppressResult reports why each dropped insight was dropped.
type SuppressResult struct {
	Emitted  []Insight
	Dropped  int
	ByReason map[string]int
}

// Filter partitions insights into emitted and suppressed, recording
// cooldown state for everything emitted. Store errors fail open: a broken
// suppression store must not silence the engine.
func (s *Suppressor) Filter(ctx context.Context, insights []Insight, now time.Time) (SuppressResult, error) {
	res := SuppressResult{ByReason: map[string]int{}}
	cooldown := time.Duration(s.cfg.CooldownDays) * 24 * time.Hour
	var storeErr error

	for _, in := range insights {
		if in.PriorityScore < s.cfg.MinPriority {
			res.Dropped++
			res.ByReason["min_priority"]++
			continue
		}
		if in.ExpectedImpact.Estimate < s.cfg.ImpactThreshold {
			res.Dropped++
			res.ByReason["impact_threshold"]++
			continue
		}

		state, err := s.store.Get(ctx, in.InsightHash)
		if err != nil {
			storeErr = err
			state = nil
		}
		if state != nil && now.Sub(state.LastEmittedAt) < cooldown && !in.Severity.Exceeds(state.LastSeverity) {
			res.Dropped++
			res.ByReason["cooldown"]++
			continue
		}

		if err := s.store.Put(ctx, SuppressionState{
			InsightHash:   in.InsightHash,
			LastEmittedAt: now,
			LastSeverity:  in.Severity,
		}, cooldown); err != nil {
			storeErr = err
		}
		res.Emitted = append(res.Emitted, in)
	}
	return res, storeErr
}

// MemorySuppressionStore is the in-process fallback used in tests and
// single-node dev setups. Entries expire lazily on read.
type MemorySuppressionStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	state     SuppressionState
	expiresAt time.Time
}

func NewMemorySuppressionStore() *MemorySuppressionStore {
	return &MemorySuppressionStore{entries: map[string]memoryEntry{}}
}

func (m *MemorySuppressionStore) Get(_ context.Context, insightHash string) (*SuppressionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[insightHash]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, insightHash)
		return nil, nil
	}
	state := e.state
	return &state, nil
}

func (m *MemorySuppressionStore) Put(_ context.Context, state SuppressionState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[state.InsightHash] = memoryEntry{state: state, expiresAt: time.Now().Add(ttl)}
	return nil
}

// RedisSuppressionStore keeps suppression state in Redis so every worker
// instance sees the same cooldowns. Keys carry the cooldown as TTL; Redis
// does the expiry.
type RedisSuppressionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSuppressionStore(client *redis.Client, prefix string) *RedisSuppressionStore {
	if prefix == "" {
		prefix = "engine:suppress:"
	}
	return &RedisSuppressionStore{client: client, prefix: prefix}
}

func (r *RedisSuppressionStore) Get(ctx context.Context, insightHash string) (*SuppressionState, error) {
	raw, err := r.client.Get(ctx, r.prefix+insightHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("suppression get: %w", err)
	}
	var state SuppressionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("suppression decode: %w", err)
	}
	return &state, nil
}

func (r *RedisSuppressionStore) Put(ctx context.Context, state SuppressionState, ttl time.Duration) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("suppression encode: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+state.InsightHash, raw, ttl).Err(); err != nil {
		return fmt.Errorf("suppression put: %w", err)
	}
	return nil
}
