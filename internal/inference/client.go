package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/finclose/close-engine/internal"
)

// Client calls the external inference service over HTTP. Timeouts and 5xx
// responses map to transient errors so the step retry policy applies; 4xx
// responses are permanent since resending the same payload cannot help.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewClient(config Config, logger *slog.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) InferPeriod(ctx context.Context, freeText string, hint time.Time) (PeriodGuess, error) {
	payload := map[string]interface{}{
		"text": freeText,
		"hint": hint.Format("2006-01-02"),
	}

	var guess PeriodGuess
	if err := c.post(ctx, "/v1/infer/period", payload, &guess); err != nil {
		return PeriodGuess{}, err
	}

	c.logger.Debug("period inferred",
		"start", guess.Start.Format("2006-01-02"),
		"end", guess.End.Format("2006-01-02"),
		"score", guess.Score)

	return guess, nil
}

func (c *Client) ClassifyVariance(ctx context.Context, vc VarianceContext) (VarianceCall, error) {
	var call VarianceCall
	if err := c.post(ctx, "/v1/infer/variance", vc, &call); err != nil {
		return VarianceCall{}, err
	}

	c.logger.Debug("variance classified",
		"account", vc.Account,
		"label", call.Label)

	return call, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return internal.NewPermanentExternalError("failed to marshal inference request", err)
	}

	ctx, cancel := internal.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return internal.NewPermanentExternalError("failed to create inference request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Expiry of the call deadline counts as transient per the step
		// policy, same as a connection failure.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return internal.NewPermanentExternalError("inference request cancelled", err)
		}
		return internal.NewTransientExternalError("inference request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return internal.NewTransientExternalError(
			fmt.Sprintf("inference service returned status %d", resp.StatusCode), nil)
	default:
		return internal.NewPermanentExternalError(
			fmt.Sprintf("inference service rejected request with status %d", resp.StatusCode), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return internal.NewPermanentExternalError("failed to decode inference response", err)
	}

	return nil
}
