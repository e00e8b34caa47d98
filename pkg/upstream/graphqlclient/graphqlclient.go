// Package graphqlclient is the default DiscoveryClient adapter. No GraphQL
// client library is available anywhere in the dependency corpus this project
// draws from, so the single GetSizeCohort query is issued as a plain
// net/http POST with a hand-built query document and decoded with
// encoding/json — the same pattern httpclient uses for the REST-shaped
// position API.
package graphqlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"liqsentinel/pkg/upstream"
)

// Client is a DiscoveryClient backed by a single GraphQL endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New builds a Client against endpoint.
func New(endpoint string) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

const cohortQuery = `query GetSizeCohort($id: String!, $limit: Int!, $offset: Int!) {
	traders(cohort: $id, limit: $limit, offset: $offset) {
		address
		accountValue
		totalNotional
	}
	hasMore(cohort: $id, limit: $limit, offset: $offset)
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type cohortData struct {
	Traders []upstream.CohortTrader `json:"traders"`
	HasMore bool                    `json:"hasMore"`
}

type graphqlResponse struct {
	Data   cohortData `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GetCohortPage issues a GetSizeCohort query for one page of a cohort.
func (c *Client) GetCohortPage(ctx context.Context, cohortID string, offset, limit int) (upstream.CohortPage, error) {
	reqBody := graphqlRequest{
		Query: cohortQuery,
		Variables: map[string]any{
			"id":     cohortID,
			"limit":  limit,
			"offset": offset,
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return upstream.CohortPage{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return upstream.CohortPage{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return upstream.CohortPage{}, fmt.Errorf("%w: %v", upstream.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return upstream.CohortPage{}, fmt.Errorf("%w: status %d", upstream.ErrTransport, resp.StatusCode)
	}

	var out graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return upstream.CohortPage{}, fmt.Errorf("%w: %v", upstream.ErrSchema, err)
	}
	if len(out.Errors) > 0 {
		return upstream.CohortPage{}, fmt.Errorf("%w: %s", upstream.ErrSchema, out.Errors[0].Message)
	}

	return upstream.CohortPage{Traders: out.Data.Traders, HasMore: out.Data.HasMore}, nil
}
