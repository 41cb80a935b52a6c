// Package etherscan fetches verified contract ABIs from an Etherscan-compatible API.
package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
	"github.com/armor-analytics/stakedsold/pkg/utils"
)

// maxBodyBytes bounds an ABI response; verified ABIs are well under this.
const maxBodyBytes = 8 << 20

// Client is a token-bucket rate limited getabi client.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time
}

// Opts is the set of options for a new Client.
type Opts struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RPS        int
	Burst      int
	HTTPClient *http.Client
}

// New creates a Client. The free Etherscan tier allows 5 calls per second.
func New(o Opts) *Client {
	if o.RPS <= 0 {
		o.RPS = 5
	}
	if o.Burst <= 0 {
		o.Burst = o.RPS
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &Client{
		baseURL:     o.BaseURL,
		apiKey:      o.APIKey,
		client:      client,
		maxTokens:   int64(o.Burst),
		refillEvery: time.Second / time.Duration(o.RPS),
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

// refill refills the token-bucket with new tokens if necessary.
func (c *Client) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

// acquire takes a token, waiting for a refill if the bucket is empty.
func (c *Client) acquire(ctx context.Context) error {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.refillEvery / 2):
		}
	}
}

// envelope is the common Etherscan response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// GetABI returns the verified ABI JSON of address.
func (c *Client) GetABI(ctx context.Context, address common.Address) (string, error) {
	q := url.Values{}
	q.Set("module", "contract")
	q.Set("action", "getabi")
	q.Set("address", address.Hex())
	q.Set("apikey", c.apiKey)

	var env envelope
	if err := c.getJSON(ctx, q, &env); err != nil {
		return "", fmt.Errorf("%w: %s: %w", pipelineerr.ErrAbiLookupFailed, address.Hex(), err)
	}

	var result string
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return "", fmt.Errorf("%w: %s: result is not a string", pipelineerr.ErrAbiLookupFailed, address.Hex())
	}
	if env.Status != "1" {
		return "", fmt.Errorf("%w: %s: %s: %s", pipelineerr.ErrAbiLookupFailed, address.Hex(), env.Message, result)
	}
	if !json.Valid([]byte(result)) {
		return "", fmt.Errorf("%w: %s: result is not JSON", pipelineerr.ErrAbiLookupFailed, address.Hex())
	}
	return result, nil
}

// getJSON issues a GET with query q and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, q url.Values, out any) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	// From here on, always drain+close the body before returning.
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := utils.ReadAllLimit(resp.Body, maxBodyBytes)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
