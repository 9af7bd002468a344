package boardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a running board service. Amounts travel as decimal strings.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

type Balances struct {
	Key      string `json:"key"`
	Chain    string `json:"chain"`
	Total    string `json:"total"`
	Verified string `json:"verified"`
	Pending  string `json:"pending"`
}

type PostBountyRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Chain       string `json:"chain"`
	PosterKey   string `json:"poster_key,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
}

type PostBountyResponse struct {
	RequestID    string    `json:"request_id"`
	BountyID     int64     `json:"bounty_id"`
	PrivateToken string    `json:"private_token"`
	CreatedAt    time.Time `json:"created_at"`
}

type BountyView struct {
	BountyID    int64     `json:"bounty_id"`
	Description string    `json:"description"`
	Amount      string    `json:"amount"`
	Chain       string    `json:"chain"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type ListBountiesResponse struct {
	RequestID string       `json:"request_id"`
	Bounties  []BountyView `json:"bounties"`
}

type SubmissionView struct {
	SubmissionID   int64     `json:"submission_id"`
	Rating         *int      `json:"rating"`
	RatingDeadline time.Time `json:"rating_deadline"`
	CreatedAt      time.Time `json:"created_at"`
}

type GetBountyResponse struct {
	RequestID  string          `json:"request_id"`
	Bounty     BountyView      `json:"bounty"`
	Submission *SubmissionView `json:"submission,omitempty"`
}

type DeleteBountyResponse struct {
	RequestID          string `json:"request_id"`
	Success            bool   `json:"success"`
	CollateralReturned bool   `json:"collateral_returned"`
}

type SubmitClaimResponse struct {
	RequestID      string    `json:"request_id"`
	SubmissionID   int64     `json:"submission_id"`
	CreatedAt      time.Time `json:"created_at"`
	RatingDeadline time.Time `json:"rating_deadline"`
}

type ResolveRatingResponse struct {
	RequestID     string   `json:"request_id"`
	Rating        int      `json:"rating"`
	Paid          bool     `json:"paid"`
	IsLate        bool     `json:"is_late"`
	HoursLate     float64  `json:"hours_late"`
	AgentBalances Balances `json:"agent_balances"`
}

type BalancesResponse struct {
	RequestID string   `json:"request_id"`
	Balances  Balances `json:"balances"`
}

type SweepResponse struct {
	RequestID string `json:"request_id"`
	Resolved  int    `json:"resolved"`
}

func (c *Client) PostBounty(ctx context.Context, in PostBountyRequest, idempotencyKey string) (*PostBountyResponse, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/board/bounties", in)
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return doJSON[PostBountyResponse](c, req)
}

func (c *Client) ListBounties(ctx context.Context) (*ListBountiesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/board/bounties", nil)
	if err != nil {
		return nil, err
	}
	return doJSON[ListBountiesResponse](c, req)
}

func (c *Client) GetBounty(ctx context.Context, id int64) (*GetBountyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/board/bounties/%d", c.BaseURL, id), nil)
	if err != nil {
		return nil, err
	}
	return doJSON[GetBountyResponse](c, req)
}

func (c *Client) DeleteBounty(ctx context.Context, privateToken, posterKey string) (*DeleteBountyResponse, error) {
	u := fmt.Sprintf("%s/board/bounties/token/%s", c.BaseURL, url.PathEscape(privateToken))
	req, err := c.jsonRequestURL(ctx, http.MethodDelete, u, map[string]string{"poster_key": posterKey})
	if err != nil {
		return nil, err
	}
	return doJSON[DeleteBountyResponse](c, req)
}

func (c *Client) SubmitClaim(ctx context.Context, bountyID int64, response, claimantKey string) (*SubmitClaimResponse, error) {
	u := fmt.Sprintf("%s/board/bounties/%d/claims", c.BaseURL, bountyID)
	req, err := c.jsonRequestURL(ctx, http.MethodPost, u, map[string]string{
		"response": response, "claimant_key": claimantKey,
	})
	if err != nil {
		return nil, err
	}
	return doJSON[SubmitClaimResponse](c, req)
}

func (c *Client) ResolveRating(ctx context.Context, privateToken string, rating int) (*ResolveRatingResponse, error) {
	u := fmt.Sprintf("%s/board/bounties/token/%s/rating", c.BaseURL, url.PathEscape(privateToken))
	req, err := c.jsonRequestURL(ctx, http.MethodPost, u, map[string]int{"rating": rating})
	if err != nil {
		return nil, err
	}
	return doJSON[ResolveRatingResponse](c, req)
}

func (c *Client) Sweep(ctx context.Context) (*SweepResponse, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/board/admin/sweep", nil)
	if err != nil {
		return nil, err
	}
	return doJSON[SweepResponse](c, req)
}

func (c *Client) GetBalances(ctx context.Context, key, chain string) (*BalancesResponse, error) {
	q := url.Values{}
	q.Set("key", key)
	q.Set("chain", chain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/board/balances?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return doJSON[BalancesResponse](c, req)
}

func (c *Client) Deposit(ctx context.Context, key, chain, amount, txHash, idempotencyKey string) (*BalancesResponse, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/board/deposits", map[string]string{
		"key": key, "chain": chain, "amount": amount, "tx_hash": txHash,
	})
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return doJSON[BalancesResponse](c, req)
}

func (c *Client) Withdraw(ctx context.Context, key, chain, amount string) (*BalancesResponse, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/board/withdrawals", map[string]string{
		"key": key, "chain": chain, "amount": amount,
	})
	if err != nil {
		return nil, err
	}
	return doJSON[BalancesResponse](c, req)
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	return c.jsonRequestURL(ctx, method, c.BaseURL+path, body)
}

func (c *Client) jsonRequestURL(ctx context.Context, method, u string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, fmt.Errorf("http %d: %v", resp.StatusCode, errBody)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
