package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/holdfast/holdfast/internal/dispute"
	"github.com/holdfast/holdfast/internal/escrow"
	"github.com/holdfast/holdfast/internal/ledger"
	"github.com/holdfast/holdfast/internal/reconciliation"
)

// Config holds the configuration for connecting to the Holdfast API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Admin API key, e.g. "hf_..."
}

// Client is a read-only HTTP client for the Holdfast admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// get fetches path and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetEscrow returns one escrow with its milestones.
func (c *Client) GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	var resp struct {
		Escrow *escrow.Escrow `json:"escrow"`
	}
	if err := c.get(ctx, "/v1/escrows/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Escrow == nil {
		return nil, fmt.Errorf("no escrow in response")
	}
	return resp.Escrow, nil
}

// GetWallet returns a wallet's cached balances.
func (c *Client) GetWallet(ctx context.Context, id string) (*ledger.Wallet, error) {
	var resp struct {
		Wallet *ledger.Wallet `json:"wallet"`
	}
	if err := c.get(ctx, "/v1/admin/wallets/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Wallet == nil {
		return nil, fmt.Errorf("no wallet in response")
	}
	return resp.Wallet, nil
}

// ReplayWallet rebuilds a wallet's balances from its entry log.
func (c *Client) ReplayWallet(ctx context.Context, id string) (*ledger.ReplayResult, error) {
	var resp struct {
		Replay *ledger.ReplayResult `json:"replay"`
	}
	if err := c.get(ctx, "/v1/admin/wallets/"+url.PathEscape(id)+"/replay", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Replay == nil {
		return nil, fmt.Errorf("no replay in response")
	}
	return resp.Replay, nil
}

// ListActiveDisputes returns disputes that are not yet resolved or closed.
func (c *Client) ListActiveDisputes(ctx context.Context, limit int) ([]*dispute.Dispute, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Disputes []*dispute.Dispute `json:"disputes"`
	}
	if err := c.get(ctx, "/v1/disputes", q, &resp); err != nil {
		return nil, err
	}
	return resp.Disputes, nil
}

// ReconciliationReport returns per-currency escrow and wallet totals.
func (c *Client) ReconciliationReport(ctx context.Context) (*reconciliation.Report, error) {
	var report reconciliation.Report
	if err := c.get(ctx, "/v1/admin/reconciliation", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ReconciliationBalance compares escrow holds with pending escrow value.
func (c *Client) ReconciliationBalance(ctx context.Context) (*reconciliation.BalanceReport, error) {
	var report reconciliation.BalanceReport
	if err := c.get(ctx, "/v1/admin/reconciliation/balance", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
