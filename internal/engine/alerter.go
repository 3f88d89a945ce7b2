package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hypeon/decision-engine/internal/pkg/httpretry"
	"github.com/hypeon/decision-engine/internal/pkg/logger"
)

// Alerter posts operational alerts to a webhook. A nil or disabled
// alerter is safe to call; notifications become no-ops.
type Alerter struct {
	webhookURL string
	client     httpretry.HTTPDoer
}

// NewAlerter builds an alerter for the given webhook URL. An empty URL
// disables delivery. If client is nil a retrying HTTP client is used.
func NewAlerter(webhookURL string, client httpretry.HTTPDoer) *Alerter {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	return &Alerter{webhookURL: webhookURL, client: client}
}

type alertPayload struct {
	Text string `json:"text"`
}

// RunFailed reports a failed engine run.
func (a *Alerter) RunFailed(ctx context.Context, run RunRecord, runErr error) {
	a.post(ctx, fmt.Sprintf("Engine run %s failed at stage %q (window %s..%s): %v",
		run.RunID, run.Stage,
		run.WindowStart.Format("2006-01-02"), run.WindowEnd.Format("2006-01-02"),
		runErr))
}

// HighDisagreement reports model disagreement above the configured
// threshold, so someone looks at the models before trusting the batch.
func (a *Alerter) HighDisagreement(ctx context.Context, run RunRecord, threshold float64) {
	a.post(ctx, fmt.Sprintf("Engine run %s completed with model disagreement %.3f (threshold %.3f); insights carry a disagreement warning",
		run.RunID, run.Disagreement, threshold))
}

// WarehouseStale reports that a source table has not been refreshed.
func (a *Alerter) WarehouseStale(ctx context.Context, table string, staleDays int) {
	a.post(ctx, fmt.Sprintf("Warehouse table %s is %d days stale; engine runs may produce degraded insights", table, staleDays))
}

func (a *Alerter) post(ctx context.Context, text string) {
	if a == nil || a.webhookURL == "" {
		return
	}
	body, err := json.Marshal(alertPayload{Text: text})
	if err != nil {
		logger.Error("alert payload marshal failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		logger.Error("alert request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		logger.Error("alert delivery failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warn("alert webhook returned non-2xx", "status", resp.StatusCode)
	}
}
