package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"

	"hlg-transcoder/pkg/models"
)

const (
	KindBatch = "batch"
	KindQueue = "queue"
)

// Notifier posts completion reports to a webhook.
type Notifier struct {
	url        string
	httpClient *http.Client
	logger     hclog.Logger
}

// NewNotifier creates an HTTP client with retries. 5xx replies and
// transport errors are retried; other non-2xx replies are not.
func NewNotifier(url string, logger hclog.Logger) *Notifier {
	return newNotifier(url, logger, 3, time.Second, 5*time.Second)
}

func newNotifier(url string, logger hclog.Logger, retryMax int, waitMin, waitMax time.Duration) *Notifier {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = waitMin
	retryClient.RetryWaitMax = waitMax
	retryClient.HTTPClient.Timeout = 10 * time.Second
	retryClient.Logger = logger

	return &Notifier{
		url:        url,
		httpClient: retryClient.StandardClient(),
		logger:     logger,
	}
}

// WebhookError is a non-2xx reply that was not retried.
type WebhookError struct {
	StatusCode int
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}

// NewReport builds the payload for one finished batch or queue.
func NewReport(kind string, input, outputDir string, codec models.Codec, res models.BatchResult) models.BatchReport {
	return models.BatchReport{
		BatchID:    uuid.New().String(),
		Kind:       kind,
		Input:      input,
		OutputDir:  outputDir,
		Codec:      codec,
		OK:         res.OK,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		Stopped:    res.Stopped,
		ElapsedMS:  res.Elapsed.Milliseconds(),
		FinishedAt: time.Now().UTC(),
	}
}

func (n *Notifier) BatchFinished(ctx context.Context, report models.BatchReport) error {
	report.Kind = KindBatch
	if err := n.post(ctx, report); err != nil {
		return fmt.Errorf("batch report: %w", err)
	}
	return nil
}

func (n *Notifier) QueueFinished(ctx context.Context, report models.BatchReport) error {
	report.Kind = KindQueue
	if err := n.post(ctx, report); err != nil {
		return fmt.Errorf("queue report: %w", err)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hlgphone")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &WebhookError{StatusCode: resp.StatusCode}
	}
	n.logger.Debug("webhook delivered", "status", resp.StatusCode)
	return nil
}
