// internal/clients/loyalty_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creamcrm/internal/ledger"
	"creamcrm/internal/loyalty"
)

// APIError is a non-2xx answer from the staff API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// LoyaltyClient talks to creamd's staff API.
type LoyaltyClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewLoyaltyClient targets baseURL, e.g. http://localhost:3000/api. token may be empty
// when the server runs without staff auth.
func NewLoyaltyClient(baseURL, token string) *LoyaltyClient {
	return &LoyaltyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type memberEnvelope struct {
	Member *ledger.Member `json:"member"`
}

type membersEnvelope struct {
	Members []*ledger.Member `json:"members"`
}

func (c *LoyaltyClient) GetMember(ctx context.Context, serial string) (*ledger.Member, error) {
	var out memberEnvelope
	if err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(serial), nil, &out); err != nil {
		return nil, err
	}
	return out.Member, nil
}

func (c *LoyaltyClient) ListMembers(ctx context.Context) ([]*ledger.Member, error) {
	var out membersEnvelope
	if err := c.do(ctx, http.MethodGet, "/members", nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *LoyaltyClient) SearchMembers(ctx context.Context, query string) ([]*ledger.Member, error) {
	var out membersEnvelope
	if err := c.do(ctx, http.MethodGet, "/search?q="+url.QueryEscape(query), nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *LoyaltyClient) RegisterMember(ctx context.Context, req loyalty.RegisterRequest) (*ledger.Member, error) {
	var out memberEnvelope
	if err := c.do(ctx, http.MethodPost, "/register", req, &out); err != nil {
		return nil, err
	}
	return out.Member, nil
}

func (c *LoyaltyClient) AddStamp(ctx context.Context, serial string) (*loyalty.StampResult, error) {
	var out loyalty.StampResult
	if err := c.do(ctx, http.MethodPost, "/members/"+url.PathEscape(serial)+"/stamp", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *LoyaltyClient) RedeemReward(ctx context.Context, serial string) (*ledger.Member, error) {
	var out memberEnvelope
	if err := c.do(ctx, http.MethodPost, "/members/"+url.PathEscape(serial)+"/redeem", nil, &out); err != nil {
		return nil, err
	}
	return out.Member, nil
}

func (c *LoyaltyClient) SendMessage(ctx context.Context, serial string, msg loyalty.MessageRequest) (*ledger.Member, error) {
	var out memberEnvelope
	if err := c.do(ctx, http.MethodPost, "/members/"+url.PathEscape(serial)+"/message", msg, &out); err != nil {
		return nil, err
	}
	return out.Member, nil
}

func (c *LoyaltyClient) RefreshPass(ctx context.Context, serial string) error {
	return c.do(ctx, http.MethodPost, "/members/"+url.PathEscape(serial)+"/refresh", nil, nil)
}

func (c *LoyaltyClient) History(ctx context.Context, serial string) ([]ledger.HistoryEntry, error) {
	var out struct {
		History []ledger.HistoryEntry `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(serial)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

func (c *LoyaltyClient) Stats(ctx context.Context) (ledger.Stats, error) {
	var out ledger.Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &out)
	return out, err
}

func (c *LoyaltyClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
