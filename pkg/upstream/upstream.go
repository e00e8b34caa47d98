// Package upstream defines the contract interfaces for every external
// collaborator named in the external-interfaces design: the exchange position
// API, the wallet-discovery (cohort) API, and the outbound message channel.
// The core only ever depends on these interfaces; concrete adapters live in
// the httpclient, graphqlclient and telegram subpackages.
package upstream

import (
	"context"
	"errors"
	"time"
)

// ErrTransport and ErrSchema classify adapter-level failures so the fetcher
// can map them onto the core's TransientUpstream/MalformedResponse taxonomy
// without the upstream package depending on the root module (which would be
// a layering inversion: contracts must not import their own consumers).
var (
	ErrTransport = errors.New("upstream transport error")
	ErrSchema    = errors.New("upstream schema error")
)

// RawPosition is the position shape returned by the upstream clearinghouse
// query, one entry per coin held by the queried address on the queried dex.
type RawPosition struct {
	Coin          string   `json:"coin"`
	Szi           string   `json:"szi"` // signed size, as a decimal string
	EntryPx       string   `json:"entryPx"`
	Leverage      Leverage `json:"leverage"`
	LiquidationPx *string  `json:"liquidationPx"`
	PositionValue string   `json:"positionValue"`
	MarginUsed    string   `json:"marginUsed"`
}

// Leverage carries the margin mode and leverage multiple for a position.
type Leverage struct {
	Type  string `json:"type"` // "cross" or "isolated"
	Value int    `json:"value"`
}

// ClearinghouseStateResponse is the decoded response of a clearinghouseState
// query: the full set of open positions for one address on one dex tag.
type ClearinghouseStateResponse struct {
	AssetPositions []AssetPositionWrapper `json:"assetPositions"`
}

// AssetPositionWrapper mirrors the exchange's actual envelope, which nests
// each RawPosition one level deep under a "position" key.
type AssetPositionWrapper struct {
	Position RawPosition `json:"position"`
}

// MidsResponse is the decoded response of an allMids query: coin symbol to
// mid price, as a string to preserve upstream precision.
type MidsResponse map[string]string

// CohortTrader is one entry in a GetSizeCohort page.
type CohortTrader struct {
	Address       string  `json:"address"`
	AccountValue  float64 `json:"accountValue"`
	TotalNotional float64 `json:"totalNotional"`
}

// CohortPage is one page of a GetSizeCohort query.
type CohortPage struct {
	Traders []CohortTrader `json:"traders"`
	HasMore bool           `json:"hasMore"`
}

// HistoryEntry is one record from the external historical-liquidation import
// tool, ingested by the discovery loop's IngestLiquidationHistory operation.
type HistoryEntry struct {
	Address           string
	Token             string
	HistoricalNotional float64
	ObservedAt        time.Time
}

// PositionClient is the out-of-scope upstream position API, reduced to the
// two query shapes the monitoring engine actually needs.
type PositionClient interface {
	// GetPositions returns every open position for address on the given dex
	// tag ("" for the main exchange, otherwise "xyz", "flx", "hyna", "km").
	GetPositions(ctx context.Context, address string, dex string) (ClearinghouseStateResponse, error)
	// GetMarkPrices returns the coin->mid-price map for the given dex tag.
	GetMarkPrices(ctx context.Context, dex string) (MidsResponse, error)
}

// DiscoveryClient is the out-of-scope wallet-discovery GraphQL API.
type DiscoveryClient interface {
	GetCohortPage(ctx context.Context, cohortID string, offset, limit int) (CohortPage, error)
}

// Notifier is the out-of-scope outbound message channel: a single
// fire-and-forget send operation. Failures are logged by the caller, never
// retried — the next state transition produces a fresh alert instead.
type Notifier interface {
	Send(ctx context.Context, text string) error
}
