package credlinesdk

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
)

// Client is a minimal Credline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session is the bootstrap state of the caller's session.
type Session struct {
	Subject     string    `json:"subject"`
	State       string    `json:"state"`
	Principal   Principal `json:"principal"`
	RolesLoaded bool      `json:"roles_loaded"`
}

type Principal struct {
	Username       string   `json:"username"`
	DisplayName    string   `json:"display_name,omitempty"`
	BranchCode     string   `json:"branch_code,omitempty"`
	PrimaryRoles   []string `json:"primary_roles"`
	SecondaryRoles []string `json:"secondary_roles,omitempty"`
	Guest          bool     `json:"guest,omitempty"`
}

// Decision is the guard verdict for one navigation attempt.
type Decision struct {
	Outcome    string `json:"outcome"`
	RedirectTo string `json:"redirect_to,omitempty"`
	ReturnURL  string `json:"return_url,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type MenuNode struct {
	Title         string     `json:"title"`
	Icon          string     `json:"icon,omitempty"`
	To            string     `json:"to,omitempty"`
	PermissionKey string     `json:"permission_key,omitempty"`
	Children      []MenuNode `json:"children,omitempty"`
}

type PermissionRule struct {
	Key            string   `json:"key"`
	PrimaryRoles   []string `json:"primary_roles"`
	SecondaryRoles []string `json:"secondary_roles,omitempty"`
}

type PermissionCheck struct {
	Key       string `json:"key"`
	Permitted bool   `json:"permitted"`
	Loaded    bool   `json:"loaded"`
}

type Cartable struct {
	ID           int64          `json:"id"`
	TrackingCode string         `json:"tracking_code"`
	Status       string         `json:"status"`
	RoleCode     string         `json:"role_code,omitempty"`
	RoleName     string         `json:"role_name,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
}

type HistoryEntry struct {
	Action      string `json:"action"`
	Comments    string `json:"comments,omitempty"`
	CompletedAt string `json:"completed_at"`
	RoleCode    string `json:"role_code,omitempty"`
	RoleName    string `json:"role_name,omitempty"`
}

type Actor struct {
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
	RoleCode string `json:"role_code,omitempty"`
	RoleName string `json:"role_name,omitempty"`
}

// WorkflowAction is the submission payload for a cartable action.
type WorkflowAction struct {
	ActionType         string   `json:"action_type"`
	TargetRoleCode     string   `json:"target_role_code,omitempty"`
	TargetRoleName     string   `json:"target_role_name,omitempty"`
	UsernameList       []string `json:"username_list,omitempty"`
	Description        string   `json:"description,omitempty"`
	CorrectionDeadline string   `json:"correction_deadline,omitempty"`
	Agreed             *bool    `json:"agreed,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// BootstrapSession runs the session bootstrap and returns its outcome.
func (c *Client) BootstrapSession(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v1/session/bootstrap", nil, &resp)
	return resp, err
}

// Session returns the current session state without starting a bootstrap.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "v1/session", nil, &resp)
	return resp, err
}

// DropSession logs the caller out.
func (c *Client) DropSession(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "v1/session", nil, nil)
}

// DecideNavigation evaluates a route transition.
func (c *Client) DecideNavigation(ctx context.Context, path string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v1/navigation/decide", map[string]any{"path": path}, &resp)
	return resp, err
}

// Menu returns the menu tree visible to the session.
func (c *Client) Menu(ctx context.Context) ([]MenuNode, error) {
	var resp []MenuNode
	err := c.do(ctx, http.MethodGet, "v1/menu", nil, &resp)
	return resp, err
}

// Rules lists the permission catalog.
func (c *Client) Rules(ctx context.Context) ([]PermissionRule, error) {
	var resp []PermissionRule
	err := c.do(ctx, http.MethodGet, "v1/permissions/rules", nil, &resp)
	return resp, err
}

// CheckPermission evaluates one permission key for the session.
func (c *Client) CheckPermission(ctx context.Context, key string) (PermissionCheck, error) {
	var resp PermissionCheck
	endpoint := "v1/permissions/check?key=" + url.QueryEscape(key)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Cartable loads a cartable item by tracking code.
func (c *Client) Cartable(ctx context.Context, trackingCode string) (Cartable, error) {
	var resp Cartable
	endpoint := fmt.Sprintf("v1/cartables/%s", url.PathEscape(trackingCode))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ValidUsers returns eligible users for a referral action.
func (c *Client) ValidUsers(ctx context.Context, trackingCode, actionType string) ([]Actor, error) {
	var resp []Actor
	endpoint := fmt.Sprintf("v1/cartables/%s/valid-users?action_type=%s",
		url.PathEscape(trackingCode), url.QueryEscape(actionType))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ValidSigners returns eligible replacement signers.
func (c *Client) ValidSigners(ctx context.Context, trackingCode string) ([]Actor, error) {
	var resp []Actor
	endpoint := fmt.Sprintf("v1/cartables/%s/valid-signers", url.PathEscape(trackingCode))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitAction submits a workflow action and returns the updated item.
func (c *Client) SubmitAction(ctx context.Context, trackingCode string, action WorkflowAction) (Cartable, error) {
	var resp Cartable
	endpoint := fmt.Sprintf("v1/cartables/%s/actions", url.PathEscape(trackingCode))
	err := c.do(ctx, http.MethodPost, endpoint, action, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
