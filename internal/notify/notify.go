// Package notify pushes "group updated" events to the downstream GraphQL
// endpoint after a prediction group is rebuilt. Delivery is best effort:
// the engine persists the group first and treats a failed notification as
// a per-group error, never a cycle failure.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"tracker.transitwatch.org/internal/report"
)

// Notifier announces that a prediction group has fresh data.
type Notifier interface {
	GroupUpdated(ctx context.Context, groupID int) error
}

const mutation = `mutation UpdateVehiclePositions($input: VehiclePositionInput!) {
  updateVehiclePositions(input: $input) {
    predictionGroupId
  }
}`

type graphqlRequest struct {
	Query     string `json:"query"`
	Variables struct {
		Input struct {
			PredictionGroupID string `json:"predictionGroupId"`
		} `json:"input"`
	} `json:"variables"`
}

type graphqlResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Webhook delivers group updates to a GraphQL endpoint authenticated with
// an API key header. A shared backoff store suppresses deliveries to groups
// whose recent notifications failed.
type Webhook struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	backoffs   *BackoffStore
}

func NewWebhook(endpoint, apiKey string, httpClient *http.Client) *Webhook {
	return &Webhook{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: httpClient,
		backoffs:   NewBackoffStore(),
	}
}

func (w *Webhook) GroupUpdated(ctx context.Context, groupID int) error {
	if retryAt, ok := w.backoffs.NextRetryAt(groupID); ok && time.Now().UTC().Before(retryAt) {
		return fmt.Errorf("notify: group %d suppressed until %s", groupID, retryAt.Format(time.RFC3339))
	}

	var body graphqlRequest
	body.Query = mutation
	body.Variables.Input.PredictionGroupID = fmt.Sprintf("%d", groupID)

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("notify: encoding mutation for group %d: %w", groupID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("notify: building request for group %d: %w", groupID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", w.apiKey)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.backoffs.UpdateBackoff(groupID)
		report.ReportErrorWithSentryOptions(err, report.SentryReportOptions{
			Tags:  map[string]string{"group_id": fmt.Sprintf("%d", groupID)},
			Level: sentry.LevelWarning,
		})
		return fmt.Errorf("notify: delivering group %d: %w", groupID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		w.backoffs.UpdateBackoff(groupID)
		return fmt.Errorf("notify: delivering group %d: unexpected status %d", groupID, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("notify: reading response for group %d: %w", groupID, err)
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return fmt.Errorf("notify: decoding response for group %d: %w", groupID, err)
	}
	if len(gqlResp.Errors) > 0 {
		w.backoffs.UpdateBackoff(groupID)
		return fmt.Errorf("notify: delivering group %d: %s", groupID, gqlResp.Errors[0].Message)
	}

	w.backoffs.ResetBackoff(groupID)
	return nil
}

// Noop discards all notifications. Used when no endpoint is configured.
type Noop struct{}

func (Noop) GroupUpdated(context.Context, int) error { return nil }
