package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Channel identifies one paid or organic marketing channel (e.g. "meta",
// "google", "tiktok", "email"). Channels are data-driven, not enumerated:
// whatever the unified metrics table contains is what the engine models.
type Channel string

// EntityType identifies the granularity an insight or metric row refers to.
type EntityType string

const (
	EntityChannel  EntityType = "channel"
	EntityCampaign EntityType = "campaign"
	EntityAdGroup  EntityType = "ad_group"
)

// SourceRow is one raw daily row as supplied by the ETL-owned unified
// metrics table: per (entity, date, channel, device) counters before any
// derived metrics are computed.
type SourceRow struct {
	EntityType  EntityType `json:"entity_type" db:"entity_type"`
	EntityID    string     `json:"entity_id" db:"entity_id"`
	Date        time.Time  `json:"date" db:"date"`
	Channel     Channel    `json:"channel" db:"channel"`
	Device      string     `json:"device" db:"device"`
	Spend       float64    `json:"spend" db:"spend"`
	Clicks      int64      `json:"clicks" db:"clicks"`
	Impressions int64      `json:"impressions" db:"impressions"`
	Conversions float64    `json:"conversions" db:"conversions"`
	Revenue     float64    `json:"revenue" db:"revenue"`
	Sessions    int64      `json:"sessions" db:"sessions"`
}

// MetricRow is one aggregated row per (entity, date, channel, device) with
// derived ratios and rolling baselines. Derived fields are nil when their
// denominator is zero or missing; they are never Inf or NaN.
type MetricRow struct {
	EntityType  EntityType `json:"entity_type" db:"entity_type"`
	EntityID    string     `json:"entity_id" db:"entity_id"`
	Date        time.Time  `json:"date" db:"date"`
	Channel     Channel    `json:"channel" db:"channel"`
	Device      string     `json:"device" db:"device"`
	Spend       float64    `json:"spend" db:"spend"`
	Clicks      int64      `json:"clicks" db:"clicks"`
	Impressions int64      `json:"impressions" db:"impressions"`
	Conversions float64    `json:"conversions" db:"conversions"`
	Revenue     float64    `json:"revenue" db:"revenue"`
	Sessions    int64      `json:"sessions" db:"sessions"`

	ROAS           *float64 `json:"roas,omitempty" db:"roas"`
	CPA            *float64 `json:"cpa,omitempty" db:"cpa"`
	CTR            *float64 `json:"ctr,omitempty" db:"ctr"`
	ConversionRate *float64 `json:"conversion_rate,omitempty" db:"conversion_rate"`

	ROAS7dAvg       *float64 `json:"roas_7d_avg,omitempty" db:"roas_7d_avg"`
	ROAS28dAvg      *float64 `json:"roas_28d_avg,omitempty" db:"roas_28d_avg"`
	Revenue7dAvg    *float64 `json:"revenue_7d_avg,omitempty" db:"revenue_7d_avg"`
	Revenue28dAvg   *float64 `json:"revenue_28d_avg,omitempty" db:"revenue_28d_avg"`
	ROASPctDelta28d *float64 `json:"roas_pct_delta_28d,omitempty" db:"roas_pct_delta_28d"`
	RevPctDelta28d  *float64 `json:"revenue_pct_delta_28d,omitempty" db:"revenue_pct_delta_28d"`
}

// Order is one observed conversion with its revenue, as read from the
// transaction source. Attribution allocates its revenue across channels.
type Order struct {
	OrderID string    `json:"order_id"`
	Date    time.Time `json:"order_date"`
	Revenue float64   `json:"revenue"`
}

// ChannelDaySpend is one (date, channel) spend observation used by the
// weighted-credit allocator.
type ChannelDaySpend struct {
	Date    time.Time `json:"date"`
	Channel Channel   `json:"channel"`
	Spend   float64   `json:"spend"`
}

// TouchPath is one user's ordered touchpoint sequence ending in either a
// conversion or an abandoned journey.
type TouchPath struct {
	Channels  []Channel `json:"channels"`
	Converted bool      `json:"converted"`
}

// AttributionInput bundles everything an Allocator may consume. Paths is
// optional; allocators that do not need touchpoint sequences ignore it.
type AttributionInput struct {
	Orders     []Order
	DailySpend []ChannelDaySpend
	Paths      []TouchPath
	Window     AttributionWindow
}

// AttributionWindow bounds which spend days may receive credit for a
// conversion: click-through and view-through lookbacks in days.
type AttributionWindow struct {
	ClickDays int `json:"click_days"`
	ViewDays  int `json:"view_days"`
}

// AttributionEvent is one channel's credited slice of one order's revenue,
// produced by an allocator under a single run_id. A run is atomic: either
// every event for the run is persisted or none are.
type AttributionEvent struct {
	RunID           string    `json:"run_id" db:"run_id"`
	OrderID         string    `json:"order_id" db:"order_id"`
	Channel         Channel   `json:"channel" db:"channel"`
	Weight          float64   `json:"weight" db:"weight"`
	CreditedRevenue float64   `json:"credited_revenue" db:"credited_revenue"`
	EventDate       time.Time `json:"event_date" db:"event_date"`
	ModelUsed       string    `json:"model_used" db:"model_used"`
}

// MMMResult is one channel's fitted marketing-mix coefficient for one run.
// Historical runs are retained for trend and version comparison.
type MMMResult struct {
	RunID           string    `json:"run_id" db:"run_id"`
	Channel         Channel   `json:"channel" db:"channel"`
	Coefficient     float64   `json:"coefficient" db:"coefficient"`
	Elasticity      float64   `json:"elasticity" db:"elasticity"`
	AdstockHalfLife float64   `json:"adstock_half_life" db:"adstock_half_life"`
	SaturationParam string    `json:"saturation_param" db:"saturation_param"`
	RSquared        float64   `json:"r_squared" db:"r_squared"`
	ModelVersion    string    `json:"model_version" db:"model_version"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// MMMFit is the full output of one marketing-mix fit across channels.
type MMMFit struct {
	RunID        string              `json:"run_id"`
	Channels     []Channel           `json:"channels"`
	Coefficients map[Channel]float64 `json:"coefficients"`
	Elasticities map[Channel]float64 `json:"elasticities"`
	Intercept    float64             `json:"intercept"`
	RSquared     float64             `json:"r_squared"`
	AdjRSquared  float64             `json:"adj_r_squared"`
	SampleSize   int                 `json:"sample_size"`
	HalfLife     float64             `json:"adstock_half_life"`
	RidgeAlpha   float64             `json:"ridge_alpha"`
	Stability    float64             `json:"stability_index"`
	Confidence   float64             `json:"confidence"`
	LowQuality   bool                `json:"low_quality"`
	ModelVersion string              `json:"model_version"`

	// Channels whose coefficient could not be estimated this run
	// (degenerate series). They carry no MMMResult row.
	Unavailable []Channel `json:"unavailable,omitempty"`
}

// DisagreementReport compares attribution-derived and MMM-derived channel
// revenue shares for a date range. It is pinned to the run that produced
// both models; downstream insights carry the score in effect at generation
// time, never a stale one.
type DisagreementReport struct {
	RunID            string              `json:"run_id"`
	WindowStart      time.Time           `json:"window_start"`
	WindowEnd        time.Time           `json:"window_end"`
	Channels         []Channel           `json:"channels"`
	AttributionShare map[Channel]float64 `json:"attribution_share"`
	MMMShare         map[Channel]float64 `json:"mmm_share"`
	Score            float64             `json:"disagreement_score"`
	Threshold        float64             `json:"threshold"`
	Flagged          bool                `json:"instability_flagged"`
}

// SignalSource tells where a signal came from.
type SignalSource string

const (
	SourceRule    SignalSource = "rule"
	SourceAnomaly SignalSource = "anomaly"
)

// Signal is one raw rule or anomaly match for an entity. Signals are
// evidence, not insights; the reasoner merges them per entity.
type Signal struct {
	Source     SignalSource `json:"source"`
	RuleID     string       `json:"rule_id,omitempty"`
	SignalType string       `json:"signal_type"`
	EntityType EntityType   `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Channel    Channel      `json:"channel,omitempty"`
	Metric     string       `json:"metric"`
	Observed   float64      `json:"observed_value"`
	Baseline   *float64     `json:"baseline_value,omitempty"`
	Period     string       `json:"period"`
}

// Severity classifies how bad an insight is. Order matters for the
// suppressor's escalation check.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordering of a severity; unknown severities rank as medium.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[SeverityMedium]
}

// Exceeds reports whether s is strictly more severe than other.
func (s Severity) Exceeds(other Severity) bool { return s.Rank() > other.Rank() }

// InsightStatus is the operator-facing status of an insight.
type InsightStatus string

const (
	InsightNew      InsightStatus = "new"
	InsightReviewed InsightStatus = "reviewed"
	InsightApplied  InsightStatus = "applied"
	InsightRejected InsightStatus = "rejected"
)

// ExpectedImpact is the quantified estimate attached to a recommendation.
type ExpectedImpact struct {
	Metric   string  `json:"metric"`
	Estimate float64 `json:"estimate"`
	Units    string  `json:"units"`
}

// Evidence is one supporting observation for an insight.
type Evidence struct {
	Metric   string   `json:"metric"`
	Value    float64  `json:"value"`
	Baseline *float64 `json:"baseline,omitempty"`
	Period   string   `json:"period"`
}

// Insight is the canonical reasoned recommendation. Confidence and
// PriorityScore are derived from evidence by the ranker; they are never
// hand-set.
type Insight struct {
	InsightID      string         `json:"insight_id" db:"insight_id"`
	EntityType     EntityType     `json:"entity_type" db:"entity_type"`
	EntityID       string         `json:"entity_id" db:"entity_id"`
	InsightType    string         `json:"insight_type" db:"insight_type"`
	RootCause      string         `json:"root_cause" db:"root_cause"`
	Summary        string         `json:"summary" db:"summary"`
	Explanation    string         `json:"explanation" db:"explanation"`
	Recommendation string         `json:"recommendation" db:"recommendation"`
	ExpectedImpact ExpectedImpact `json:"expected_impact" db:"expected_impact"`
	Confidence     float64        `json:"confidence" db:"confidence"`
	Evidence       []Evidence     `json:"evidence" db:"evidence"`
	DetectedBy     []string       `json:"detected_by" db:"detected_by"`
	PriorityScore  float64        `json:"priority_score" db:"priority_score"`
	Rank           int            `json:"rank,omitempty" db:"-"`
	Severity       Severity       `json:"severity" db:"severity"`
	InsightHash    string         `json:"insight_hash" db:"insight_hash"`
	Status         InsightStatus  `json:"status" db:"status"`
	Period         string         `json:"period" db:"period"`
	RunID          string         `json:"run_id" db:"run_id"`

	// Disagreement score in effect when this insight was generated.
	Disagreement float64 `json:"disagreement_score" db:"disagreement_score"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	AppliedAt *time.Time `json:"applied_at,omitempty" db:"applied_at"`
}

// InsightHash computes the deterministic idempotency key for a
// (detector, entity, evaluation period) triple. Re-running the same inputs
// yields the same hash, so the same insight can never insert twice.
func InsightHash(detectorID string, entityType EntityType, entityID, period string) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", detectorID, entityType, entityID, period)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:32]
}

// DecisionStatus is the lifecycle state of a surfaced recommendation.
// Transitions only move forward; see Lifecycle.Transition.
type DecisionStatus string

const (
	DecisionNew      DecisionStatus = "NEW"
	DecisionReviewed DecisionStatus = "REVIEWED"
	DecisionApplied  DecisionStatus = "APPLIED"
	DecisionVerified DecisionStatus = "VERIFIED"
	DecisionRejected DecisionStatus = "REJECTED"
)

// DecisionHistory tracks one insight from surfacing to verified outcome.
// Rows are created when an insight is first surfaced, mutated only via
// status transitions, and never deleted.
type DecisionHistory struct {
	HistoryID         string          `json:"history_id" db:"history_id"`
	InsightID         string          `json:"insight_id" db:"insight_id"`
	EntityType        EntityType      `json:"entity_type" db:"entity_type"`
	EntityID          string          `json:"entity_id" db:"entity_id"`
	RecommendedAction string          `json:"recommended_action" db:"recommended_action"`
	Status            DecisionStatus  `json:"status" db:"status"`
	AppliedBy         string          `json:"applied_by,omitempty" db:"applied_by"`
	AppliedAt         *time.Time      `json:"applied_at,omitempty" db:"applied_at"`
	OutcomeAfter7d    json.RawMessage `json:"outcome_metrics_after_7d,omitempty" db:"outcome_metrics_after_7d"`
	OutcomeAfter30d   json.RawMessage `json:"outcome_metrics_after_30d,omitempty" db:"outcome_metrics_after_30d"`
	SuccessScore      *float64        `json:"decision_success_score,omitempty" db:"decision_success_score"`
	ArchiveKey        string          `json:"archive_key,omitempty" db:"archive_key"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// SuppressionState is the control-plane record bounding how often an
// identical insight may resurface. Superseded, not refreshed, when severity
// increases.
type SuppressionState struct {
	InsightHash   string    `json:"insight_hash"`
	LastEmittedAt time.Time `json:"last_emitted_at"`
	LastSeverity  Severity  `json:"last_severity"`
}

// RunStatus is the state of one pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// RunRecord reports one pipeline run with enough context to resume or
// re-trigger after a failure.
type RunRecord struct {
	RunID           string     `json:"run_id" db:"run_id"`
	WindowStart     time.Time  `json:"window_start" db:"window_start"`
	WindowEnd       time.Time  `json:"window_end" db:"window_end"`
	Status          RunStatus  `json:"status" db:"status"`
	Stage           string     `json:"stage" db:"stage"`
	EntitiesTotal   int        `json:"entities_total" db:"entities_total"`
	EntitiesDone    int        `json:"entities_done" db:"entities_done"`
	InsightsEmitted int        `json:"insights_emitted" db:"insights_emitted"`
	InsightsDropped int        `json:"insights_dropped" db:"insights_dropped"`
	Disagreement    float64    `json:"disagreement_score" db:"disagreement_score"`
	MTAVersion      string     `json:"mta_version" db:"mta_version"`
	MMMVersion      string     `json:"mmm_version" db:"mmm_version"`
	Error           string     `json:"error,omitempty" db:"error"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Model versions stamped onto run records and result rows.
const (
	MTAVersion = "mta-v2"
	MMMVersion = "mmm-v3"
)

// SafeDiv divides num by den, returning nil instead of dividing by zero.
func SafeDiv(num, den float64) *float64 {
	if den == 0 {
		return nil
	}
	v := num / den
	return &v
}

// PctDelta returns (current-baseline)/baseline, nil when the baseline is
// nil or zero.
func PctDelta(current float64, baseline *float64) *float64 {
	if baseline == nil || *baseline == 0 {
		return nil
	}
	v := (current - *baseline) / *baseline
	return &v
}

// Float returns a pointer to v. Convenience for evidence construction and
// tests.
func Float(v float64) *float64 { return &v }
