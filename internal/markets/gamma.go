// Package markets is a thin client for the Gamma market-metadata API.
// It answers the two questions the pipeline cannot answer from the trade
// feed alone: which outcome token belongs to a market outcome, and whether
// a market has resolved.
package markets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/types"
)

const DefaultGammaURL = "https://gamma-api.polymarket.com"

// gammaMarket is the subset of the /markets payload we read. Outcomes,
// prices and token ids arrive as JSON arrays encoded inside strings.
type gammaMarket struct {
	ConditionID   string `json:"conditionId"`
	Question      string `json:"question"`
	Outcomes      string `json:"outcomes"`
	OutcomePrices string `json:"outcomePrices"`
	ClobTokenIds  string `json:"clobTokenIds"`
	Closed        bool   `json:"closed"`
	EndDateISO    string `json:"endDateIso"`
}

// Client queries market metadata with a small response cache. Resolved
// markets never un-resolve, so those answers are cached forever; open
// markets are re-asked after cacheTTL.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	market  *gammaMarket
	fetched time.Time
}

const cacheTTL = time.Minute

// NewClient creates a Gamma client. baseURL "" uses the public endpoint.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultGammaURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]cacheEntry),
	}
}

// Resolution reports whether the market behind conditionID has resolved
// and which outcome won.
func (c *Client) Resolution(ctx context.Context, conditionID string) (types.Resolution, error) {
	m, err := c.market(ctx, conditionID)
	if err != nil {
		return types.Resolution{}, err
	}
	res := types.Resolution{ConditionID: conditionID}
	if !m.Closed {
		return res, nil
	}

	outcomes, err := decodeStringArray(m.Outcomes)
	if err != nil {
		return res, fmt.Errorf("decode outcomes: %w", err)
	}
	prices, err := decodeStringArray(m.OutcomePrices)
	if err != nil {
		return res, fmt.Errorf("decode outcome prices: %w", err)
	}

	// The winning outcome settles at price 1.
	for i, p := range prices {
		if i >= len(outcomes) {
			break
		}
		price, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		if price.Equal(decimal.NewFromInt(1)) {
			res.Resolved = true
			res.WinningOutcome = outcomes[i]
			return res, nil
		}
	}
	// Closed but no settled price yet; treat as unresolved and retry later.
	return res, nil
}

// ResolveAsset returns the outcome token id for one outcome of a market.
func (c *Client) ResolveAsset(ctx context.Context, conditionID, outcome string) (string, error) {
	m, err := c.market(ctx, conditionID)
	if err != nil {
		return "", err
	}

	outcomes, err := decodeStringArray(m.Outcomes)
	if err != nil {
		return "", fmt.Errorf("decode outcomes: %w", err)
	}
	tokens, err := decodeStringArray(m.ClobTokenIds)
	if err != nil {
		return "", fmt.Errorf("decode token ids: %w", err)
	}

	for i, o := range outcomes {
		if strings.EqualFold(o, outcome) && i < len(tokens) {
			return tokens[i], nil
		}
	}
	return "", fmt.Errorf("outcome %q not found on market %s", outcome, conditionID)
}

func (c *Client) market(ctx context.Context, conditionID string) (*gammaMarket, error) {
	c.mu.Lock()
	entry, ok := c.cache[conditionID]
	c.mu.Unlock()
	if ok {
		if entry.market.Closed || time.Since(entry.fetched) < cacheTTL {
			return entry.market, nil
		}
	}

	params := url.Values{}
	params.Set("condition_ids", conditionID)
	reqURL := fmt.Sprintf("%s/markets?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gamma API returned %d", resp.StatusCode)
	}

	var markets []gammaMarket
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("market %s not found", conditionID)
	}

	m := &markets[0]
	c.mu.Lock()
	c.cache[conditionID] = cacheEntry{market: m, fetched: time.Now()}
	c.mu.Unlock()
	return m, nil
}

// decodeStringArray unwraps Gamma's array-in-a-string encoding.
func decodeStringArray(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
