// Package notify delivers the terminal run result to a messaging webhook.
// Delivery is best-effort: a failure here is logged and never changes the
// run's recorded outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
)

// =============================================================================
// Webhook Notifier
// =============================================================================

// Config holds webhook notifier configuration.
type Config struct {
	URL     string
	Timeout time.Duration
}

// WebhookNotifier posts run results to a configured webhook.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookNotifier creates a notifier. An empty URL disables delivery.
func NewWebhookNotifier(cfg Config, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    cfg.URL,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// notifyPayload is the webhook request body.
type notifyPayload struct {
	Text     string `json:"text"`
	Status   string `json:"status"`
	RunID    string `json:"run_id"`
	Ref      string `json:"ref"`
	Image    string `json:"image,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Duration string `json:"duration"`
}

// Notify sends exactly one terminal notification for the run.
func (n *WebhookNotifier) Notify(ctx context.Context, run *pipeline.Run) error {
	payload := notifyPayload{
		RunID:    run.ID,
		Ref:      run.Ref,
		Image:    run.Image,
		Duration: run.Duration().Round(time.Second).String(),
	}

	if run.Succeeded() {
		payload.Status = "success"
		payload.Text = fmt.Sprintf("deploy succeeded: %s (%s)", run.Image, run.Ref)
	} else {
		payload.Status = "failure"
		if stage, ok := run.FailedStage(); ok {
			payload.Stage = string(stage)
			if res, ok := run.Result(stage); ok {
				payload.Detail = res.Detail
			}
		}
		payload.Text = fmt.Sprintf("deploy FAILED at stage %s (%s)", payload.Stage, run.Ref)
	}

	if n.url == "" {
		n.logger.Debug("webhook disabled, skipping notification", "run_id", run.ID)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return pipeline.NewStageError(pipeline.StageNotify, "failed to encode payload", pipeline.ErrNotifyFailed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return pipeline.NewStageError(pipeline.StageNotify, "failed to build request", pipeline.ErrNotifyFailed)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return pipeline.NewStageError(pipeline.StageNotify, err.Error(), pipeline.ErrNotifyFailed)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pipeline.NewStageError(pipeline.StageNotify,
			fmt.Sprintf("webhook returned status %d", resp.StatusCode), pipeline.ErrNotifyFailed)
	}

	n.logger.Info("notification delivered", "run_id", run.ID, "status", payload.Status)
	return nil
}
