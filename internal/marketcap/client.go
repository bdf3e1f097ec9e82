// Package marketcap fetches token market capitalizations from a CoinGecko-compatible API.
package marketcap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Client provides access to the /simple/price endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewClient creates a new market cap client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// price is one entry of the /simple/price response.
type price struct {
	USD          float64 `json:"usd"`
	USDMarketCap float64 `json:"usd_market_cap"`
}

// FetchCaps returns the USD market cap for each token in ids (token -> API coin id).
// Tokens the API does not know, or reports with a zero cap, are left out.
func (c *Client) FetchCaps(ctx context.Context, ids map[string]string) (map[string]float64, error) {
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}

	coins := make([]string, 0, len(ids))
	for _, id := range ids {
		coins = append(coins, id)
	}
	sort.Strings(coins)

	u, err := url.Parse(c.baseURL + "/simple/price")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("ids", strings.Join(coins, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_market_cap", "true")
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market caps: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var prices map[string]price
	if err := json.NewDecoder(resp.Body).Decode(&prices); err != nil {
		return nil, fmt.Errorf("failed to decode market caps: %w", err)
	}

	caps := make(map[string]float64, len(ids))
	for token, id := range ids {
		if p, ok := prices[id]; ok && p.USDMarketCap > 0 {
			caps[strings.ToUpper(token)] = p.USDMarketCap
		}
	}
	return caps, nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("x-cg-demo-api-key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		} else {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay * time.Duration(i+1)):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Merge returns configured overlaid with fetched.
func Merge(configured, fetched map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(configured)+len(fetched))
	for k, v := range configured {
		out[k] = v
	}
	for k, v := range fetched {
		out[k] = v
	}
	return out
}
