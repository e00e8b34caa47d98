// Package httpclient is the default PositionClient adapter: a thin
// net/http + encoding/json wrapper around the exchange's info endpoint. It
// carries no pacing or retry logic of its own — that belongs to the fetcher,
// which wraps a PositionClient and applies the concurrency gate, delays and
// backoff policy.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"liqsentinel/pkg/upstream"
)

// Client is a PositionClient backed by a single JSON-RPC-style HTTP endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (the exchange's info endpoint), with
// the 10s per-call timeout required of every upstream call.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type clearinghouseRequest struct {
	Type string `json:"type"`
	User string `json:"user"`
	Dex  string `json:"dex"`
}

type midsRequest struct {
	Type string `json:"type"`
	Dex  string `json:"dex"`
}

func (c *Client) post(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", upstream.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", upstream.ErrTransport, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", upstream.ErrSchema, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", upstream.ErrSchema, err)
	}
	return nil
}

// GetPositions issues a clearinghouseState query for address on dex.
func (c *Client) GetPositions(ctx context.Context, address string, dex string) (upstream.ClearinghouseStateResponse, error) {
	var out upstream.ClearinghouseStateResponse
	err := c.post(ctx, clearinghouseRequest{Type: "clearinghouseState", User: address, Dex: dex}, &out)
	return out, err
}

// GetMarkPrices issues an allMids query for dex.
func (c *Client) GetMarkPrices(ctx context.Context, dex string) (upstream.MidsResponse, error) {
	var out upstream.MidsResponse
	err := c.post(ctx, midsRequest{Type: "allMids", Dex: dex}, &out)
	return out, err
}
