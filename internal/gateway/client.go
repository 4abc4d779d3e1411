package gateway

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

	"github.com/hashicorp/golang-lru/v2/expirable"

	"credline/internal/config"
	"credline/internal/domain"
)

// Client talks to the remote approval backend. Interactive eligibility
// lookups (valid users / valid signers) use a longer timeout than simple
// reads; the backend enumerates organizational trees for those.
type Client struct {
	baseURL  string
	http     *http.Client
	lookup   *http.Client
	token    string
	refCache *expirable.LRU[string, []domain.ReferenceItem]
}

func New(cfg *config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.Gateway.BaseURL, "/"),
		http:    &http.Client{Timeout: time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second},
		lookup:  &http.Client{Timeout: time.Duration(cfg.Gateway.LookupTimeoutSeconds) * time.Second},
		refCache: expirable.NewLRU[string, []domain.ReferenceItem](
			cfg.Gateway.CacheSize, nil, time.Duration(cfg.Gateway.CacheTTLSeconds)*time.Second),
	}
}

// WithToken returns a client forwarding the given bearer credential.
// The reference cache is shared across derived clients.
func (c *Client) WithToken(token string) *Client {
	derived := *c
	derived.token = token
	return &derived
}

// Error is a decoded upstream rejection.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

func (c *Client) FetchPrincipal(ctx context.Context) (domain.Principal, error) {
	var p domain.Principal
	err := c.get(ctx, c.http, "/api/v1/token", nil, &p)
	return p, err
}

func (c *Client) FetchReferenceData(ctx context.Context, kind string) ([]domain.ReferenceItem, error) {
	if items, ok := c.refCache.Get(kind); ok {
		return items, nil
	}
	var items []domain.ReferenceItem
	if err := c.get(ctx, c.http, "/api/v1/reference/"+url.PathEscape(kind), nil, &items); err != nil {
		return nil, err
	}
	c.refCache.Add(kind, items)
	return items, nil
}

func (c *Client) FetchCartable(ctx context.Context, trackingCode string) (domain.Cartable, error) {
	var item domain.Cartable
	err := c.get(ctx, c.http, "/api/v1/cartable", url.Values{"trackingCode": {trackingCode}}, &item)
	return item, err
}

func (c *Client) FetchValidActors(ctx context.Context, cartableID int64, actionType, roleCode string) ([]domain.Actor, error) {
	var actors []domain.Actor
	q := url.Values{"actionType": {actionType}, "roleCode": {roleCode}}
	err := c.get(ctx, c.lookup, fmt.Sprintf("/api/v1/cartable/%d/valid-users", cartableID), q, &actors)
	return actors, err
}

func (c *Client) FetchValidSigners(ctx context.Context, cartableID int64) ([]domain.Actor, error) {
	var actors []domain.Actor
	err := c.get(ctx, c.lookup, fmt.Sprintf("/api/v1/cartable/%d/valid-signers", cartableID), nil, &actors)
	return actors, err
}

// WorkflowResult is the upstream confirmation for a submitted action.
type WorkflowResult struct {
	Status      string `json:"status"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// SubmitWorkflowAction posts a submission to the endpoint for its action
// family. The client never retries; a failed call is reported as-is.
func (c *Client) SubmitWorkflowAction(ctx context.Context, payload domain.WorkflowSubmission) (WorkflowResult, error) {
	var result WorkflowResult
	err := c.post(ctx, c.http, actionEndpoint(payload.ActionType), payload, &result)
	return result, err
}

func actionEndpoint(actionType string) string {
	switch actionType {
	case domain.ActionReferred, domain.ActionPassed, domain.ActionCorrected, domain.ActionReferredForSigned:
		return "/api/v1/cartable/reference"
	case domain.ActionSigned:
		return "/api/v1/cartable/sign"
	case domain.ActionSignerChanged:
		return "/api/v1/cartable/change-signer"
	default:
		return "/api/v1/cartable/action"
	}
}

func (c *Client) get(ctx context.Context, client *http.Client, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(client, req, out)
}

func (c *Client) post(ctx context.Context, client *http.Client, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(client, req, out)
}

func (c *Client) do(client *http.Client, req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return decodeError(res)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func decodeError(res *http.Response) error {
	upErr := &Error{Status: res.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if json.Valid(data) {
		_ = json.Unmarshal(data, upErr)
	}
	if upErr.Message == "" {
		upErr.Message = strings.TrimSpace(string(data))
	}
	return upErr
}
