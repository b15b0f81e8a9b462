// Package powerbi is a minimal client for the Power BI REST API: embed token
// generation and workspace/artifact listings.
package powerbi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/yosida95/uritemplate/v3"

	"github.com/txn2/embed-platform/pkg/embed"
	"github.com/txn2/embed-platform/pkg/token"
)

const (
	// DefaultBaseURL is the Power BI REST root.
	DefaultBaseURL = "https://api.powerbi.com/v1.0/myorg"

	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 8192

	defaultTokenAccessLevel = "View"

	logKeyURL    = "url"
	logKeyStatus = "status"
)

// URI templates relative to the base URL.
const (
	tmplGroups         = "{+base}/groups"
	tmplReports        = "{+base}/groups/{groupId}/reports"
	tmplDashboards     = "{+base}/groups/{groupId}/dashboards"
	tmplTiles          = "{+base}/groups/{groupId}/dashboards/{dashboardId}/tiles"
	tmplReportToken    = "{+base}/groups/{groupId}/reports/{reportId}/GenerateToken"
	tmplDashboardToken = "{+base}/groups/{groupId}/dashboards/{dashboardId}/GenerateToken"
	tmplTileToken      = "{+base}/groups/{groupId}/dashboards/{dashboardId}/tiles/{tileId}/GenerateToken"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("power bi api returned status %d: %s", e.StatusCode, e.Body)
}

// EmbedError converts the response into an SDK-shaped error so the retry
// classifier sees the same vocabulary for REST and embed failures.
func (e *APIError) EmbedError() *embed.Error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	out := &embed.Error{Status: e.StatusCode, Message: e.Body}
	if json.Unmarshal([]byte(e.Body), &body) == nil && body.Error.Code != "" {
		out.Code = body.Error.Code
		out.Message = body.Error.Message
	}
	switch {
	case out.Code != "":
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		out.Code = "Unauthorized"
	case e.StatusCode == http.StatusNotFound:
		out.Code = "PowerBIEntityNotFound"
	case e.StatusCode == http.StatusTooManyRequests:
		out.Code = "TooManyRequests"
	}
	return out
}

// Unwrap exposes the SDK-shaped form to errors.As.
func (e *APIError) Unwrap() error { return e.EmbedError() }

// Client calls the Power BI REST API with a bearer token obtained from the
// token lifecycle.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
}

// TokenProvider supplies a valid AAD token for each request.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (token.Token, error)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the REST root.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client. tokens is required.
func NewClient(tokens TokenProvider, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("token provider is required")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Workspace is a Power BI group.
type Workspace struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsReadOnly bool   `json:"isReadOnly"`
}

// Report is a report in a workspace.
type Report struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	EmbedURL  string `json:"embedUrl"`
	WebURL    string `json:"webUrl"`
	DatasetID string `json:"datasetId"`
}

// Dashboard is a dashboard in a workspace.
type Dashboard struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	EmbedURL    string `json:"embedUrl"`
}

// Tile is a tile on a dashboard.
type Tile struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	EmbedURL string `json:"embedUrl"`
	ReportID string `json:"reportId"`
}

type listResponse[T any] struct {
	Value []T `json:"value"`
}

// ListWorkspaces returns the workspaces visible to the caller.
func (c *Client) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	return list[Workspace](ctx, c, tmplGroups, nil)
}

// ListReports returns the reports in a workspace.
func (c *Client) ListReports(ctx context.Context, groupID string) ([]Report, error) {
	return list[Report](ctx, c, tmplReports, map[string]string{"groupId": groupID})
}

// ListDashboards returns the dashboards in a workspace.
func (c *Client) ListDashboards(ctx context.Context, groupID string) ([]Dashboard, error) {
	return list[Dashboard](ctx, c, tmplDashboards, map[string]string{"groupId": groupID})
}

// ListTiles returns the tiles on a dashboard.
func (c *Client) ListTiles(ctx context.Context, groupID, dashboardID string) ([]Tile, error) {
	return list[Tile](ctx, c, tmplTiles, map[string]string{"groupId": groupID, "dashboardId": dashboardID})
}

func list[T any](ctx context.Context, c *Client, tmpl string, vars map[string]string) ([]T, error) {
	var out listResponse[T]
	if err := c.do(ctx, http.MethodGet, tmpl, vars, nil, &out); err != nil {
		return nil, err
	}
	if out.Value == nil {
		out.Value = []T{}
	}
	return out.Value, nil
}

// GenerateTokenRequest identifies the artifact to embed.
type GenerateTokenRequest struct {
	Kind        embed.Kind
	GroupID     string
	ReportID    string
	DashboardID string
	TileID      string
	// AccessLevel defaults to View.
	AccessLevel string
}

// EmbedToken is a GenerateToken response.
type EmbedToken struct {
	Token      string    `json:"token"`
	TokenID    string    `json:"tokenId"`
	Expiration time.Time `json:"expiration"`
}

// GenerateToken obtains an embed token for a report, dashboard or tile.
func (c *Client) GenerateToken(ctx context.Context, req GenerateTokenRequest) (EmbedToken, error) {
	tmpl, vars, err := req.endpoint()
	if err != nil {
		return EmbedToken{}, err
	}
	level := req.AccessLevel
	if level == "" {
		level = defaultTokenAccessLevel
	}

	var out EmbedToken
	if err := c.do(ctx, http.MethodPost, tmpl, vars, map[string]string{"accessLevel": level}, &out); err != nil {
		return EmbedToken{}, err
	}
	if out.Token == "" {
		return EmbedToken{}, errors.New("generate token response has no token")
	}
	return out, nil
}

func (r GenerateTokenRequest) endpoint() (string, map[string]string, error) {
	if r.GroupID == "" {
		return "", nil, errors.New("group id is required")
	}
	switch r.Kind {
	case embed.KindReport:
		if r.ReportID == "" {
			return "", nil, errors.New("report id is required")
		}
		return tmplReportToken, map[string]string{"groupId": r.GroupID, "reportId": r.ReportID}, nil
	case embed.KindDashboard:
		if r.DashboardID == "" {
			return "", nil, errors.New("dashboard id is required")
		}
		return tmplDashboardToken, map[string]string{"groupId": r.GroupID, "dashboardId": r.DashboardID}, nil
	case embed.KindTile:
		if r.DashboardID == "" || r.TileID == "" {
			return "", nil, errors.New("dashboard id and tile id are required")
		}
		return tmplTileToken, map[string]string{"groupId": r.GroupID, "dashboardId": r.DashboardID, "tileId": r.TileID}, nil
	default:
		return "", nil, fmt.Errorf("unsupported kind %q", r.Kind)
	}
}

// GenerateTokenRequestFor derives a request from an embed config.
func GenerateTokenRequestFor(cfg embed.Config) GenerateTokenRequest {
	req := GenerateTokenRequest{Kind: cfg.Type, GroupID: cfg.GroupID}
	switch cfg.Type {
	case embed.KindReport:
		req.ReportID = cfg.ID
	case embed.KindDashboard:
		req.DashboardID = cfg.ID
	case embed.KindTile:
		req.DashboardID = cfg.DashboardID
		req.TileID = cfg.ID
	}
	return req
}

// EmbedTokenRefresher adapts GenerateToken into a token refresher for the
// embed token of a single artifact.
func (c *Client) EmbedTokenRefresher(req GenerateTokenRequest) token.Refresher {
	return token.RefresherFunc(func(ctx context.Context) (token.Token, error) {
		et, err := c.GenerateToken(ctx, req)
		if err != nil {
			return token.Token{}, err
		}
		return token.Token{Value: et.Token, ExpiresAt: et.Expiration}, nil
	})
}

func (c *Client) expand(tmpl string, vars map[string]string) (string, error) {
	t, err := uritemplate.New(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}
	values := uritemplate.Values{}
	values.Set("base", uritemplate.String(c.baseURL))
	for k, v := range vars {
		if v == "" {
			return "", fmt.Errorf("%s is required", k)
		}
		values.Set(k, uritemplate.String(v))
	}
	u, err := t.Expand(values)
	if err != nil {
		return "", fmt.Errorf("expanding template: %w", err)
	}
	return u, nil
}

func (c *Client) do(ctx context.Context, method, tmpl string, vars map[string]string, in, out any) error {
	u, err := c.expand(tmpl, vars)
	if err != nil {
		return err
	}

	tok, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return fmt.Errorf("obtaining access token: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling power bi: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Debug("power bi request failed", logKeyURL, u, logKeyStatus, resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
