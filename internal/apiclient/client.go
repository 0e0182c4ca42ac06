// Package apiclient is the REST client for the auction backend: bid
// submission, auction registration, snapshot fetch and the lightweight
// latency probe used by the connection monitor.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gavelhouse/gavel/internal/auction"
)

// APIError is a structured error response from the auction backend
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// BidResult is the successful response to a bid submission
type BidResult struct {
	Bid struct {
		ID         string          `json:"id"`
		Amount     decimal.Decimal `json:"amount"`
		BidderName string          `json:"bidderName"`
		BidTime    time.Time       `json:"bidTime"`
	} `json:"bid"`
	Auction struct {
		CurrentBid   decimal.Decimal `json:"currentBid"`
		MinimumBid   decimal.Decimal `json:"minimumBid"`
		BidCount     int             `json:"bidCount"`
		BidIncrement decimal.Decimal `json:"bidIncrement"`
	} `json:"auction"`
}

// Client talks JSON over HTTP to the auction backend
type Client struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// NewClient creates a client for the given base URL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		headers: make(map[string]string),
	}
}

// SetHeader sets a header sent on every request, e.g. Authorization
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// SetTimeout overrides the per-request timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

type submitBidRequest struct {
	Amount     decimal.Decimal  `json:"amount"`
	MaxAutoBid *decimal.Decimal `json:"maxAutoBid,omitempty"`
}

// SubmitBid places a bid on an auction. A non-2xx response with a
// decodable body is returned as *APIError so callers can classify it.
func (c *Client) SubmitBid(ctx context.Context, auctionID string, amount decimal.Decimal, maxAutoBid *decimal.Decimal) (*BidResult, error) {
	body, err := json.Marshal(submitBidRequest{Amount: amount, MaxAutoBid: maxAutoBid})
	if err != nil {
		return nil, fmt.Errorf("marshal bid request: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/api/auctions/"+auctionID+"/bids", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result BidResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode bid response: %w", err)
	}
	return &result, nil
}

// Register registers the authenticated user as a bidder on an auction
func (c *Client) Register(ctx context.Context, auctionID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/auctions/"+auctionID+"/register", nil)
	return err
}

// FetchAuction retrieves the current auction snapshot, used to seed
// the reconciler when the auction view mounts
func (c *Client) FetchAuction(ctx context.Context, auctionID string) (*auction.Snapshot, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/auctions/"+auctionID, nil)
	if err != nil {
		return nil, err
	}

	var snap auction.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode auction snapshot: %w", err)
	}
	return &snap, nil
}

// Ping performs the round trip the connection monitor times for its
// quality classification. The response body is irrelevant.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.do(ctx, http.MethodGet, "/api/ping", nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return nil, apiErr
	}

	return data, nil
}
