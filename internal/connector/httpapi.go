package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/canonical"
)

// HTTPConnector fetches extracts from a source system's REST surface. One
// instance per upstream; the three interface roles pick the endpoints they
// need.
type HTTPConnector struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

func NewHTTPConnector(config Config, logger *slog.Logger) *HTTPConnector {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPConnector{
		baseURL:    config.BaseURL,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *HTTPConnector) FetchPendingInvoices(ctx context.Context, period canonical.Period) ([]canonical.InvoiceRow, error) {
	var rows []canonical.InvoiceRow
	if err := c.get(ctx, "/invoices/pending", period, &rows); err != nil {
		return nil, err
	}
	c.logger.Info("fetched pending invoices", "count", len(rows), "period", period.Label())
	return rows, nil
}

func (c *HTTPConnector) FetchPostedBills(ctx context.Context, period canonical.Period) ([]canonical.InvoiceRow, error) {
	var rows []canonical.InvoiceRow
	if err := c.get(ctx, "/bills/posted", period, &rows); err != nil {
		return nil, err
	}
	c.logger.Info("fetched posted bills", "count", len(rows), "period", period.Label())
	return rows, nil
}

func (c *HTTPConnector) FetchPayrollSummary(ctx context.Context, period canonical.Period) ([]canonical.LedgerRow, error) {
	var rows []canonical.LedgerRow
	if err := c.get(ctx, "/payroll/summary", period, &rows); err != nil {
		return nil, err
	}
	c.logger.Info("fetched payroll summary", "accounts", len(rows), "period", period.Label())
	return rows, nil
}

func (c *HTTPConnector) FetchLedgerBalances(ctx context.Context, period canonical.Period) ([]canonical.LedgerRow, error) {
	var rows []canonical.LedgerRow
	if err := c.get(ctx, "/ledger/balances", period, &rows); err != nil {
		return nil, err
	}
	c.logger.Info("fetched ledger balances", "accounts", len(rows), "period", period.Label())
	return rows, nil
}

func (c *HTTPConnector) get(ctx context.Context, path string, period canonical.Period, out interface{}) error {
	ctx, cancel := internal.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := url.Values{}
	query.Set("date_from", period.Start.Format("2006-01-02"))
	query.Set("date_to", period.End.Format("2006-01-02"))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return internal.NewPermanentExternalError("failed to create connector request", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return internal.NewTransientExternalError("connector request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Connector errors are retryable across the board; the source system
		// owns distinguishing bad requests, and a close run would rather
		// retry than guess.
		return internal.NewTransientExternalError(
			fmt.Sprintf("connector returned status %d for %s", resp.StatusCode, path), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return internal.NewPermanentExternalError("failed to decode connector response", err)
	}

	return nil
}
