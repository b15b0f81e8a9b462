package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yosida95/uritemplate/v3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultAuthority is the Azure AD v2 token endpoint template.
	DefaultAuthority = "https://login.microsoftonline.com/{tenant}/oauth2/v2.0/token"

	// DefaultScope requests the Power BI service API.
	DefaultScope = "https://analysis.windows.net/powerbi/api/.default"

	defaultHTTPTimeout = 30 * time.Second
)

// ClientCredentialsConfig configures a service principal token source.
type ClientCredentialsConfig struct {
	// Authority is a URI template with a {tenant} variable, or a literal
	// token URL.
	Authority string

	// TenantID is the directory (tenant) id.
	TenantID string

	// ClientID is the application id.
	ClientID string

	// ClientSecret is the application secret.
	ClientSecret string

	// Scope is the requested scope.
	Scope string

	// HTTPClient is used for token requests.
	HTTPClient *http.Client
}

// OAuthError is a token endpoint error response.
type OAuthError struct {
	StatusCode  int
	Code        string
	Description string

	err error
}

// Error implements error.
func (e *OAuthError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("token endpoint returned status %d: %s: %s", e.StatusCode, e.Code, e.Description)
}

// Unwrap returns the underlying oauth2 error.
func (e *OAuthError) Unwrap() error { return e.err }

// ClientCredentials acquires app-only tokens with the client credentials
// grant. It needs no user interaction and is used as the silent source.
type ClientCredentials struct {
	conf   *clientcredentials.Config
	client *http.Client
}

// NewClientCredentials validates cfg and expands the token URL.
func NewClientCredentials(cfg ClientCredentialsConfig) (*ClientCredentials, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, errors.New("client secret is required")
	}
	if cfg.Authority == "" {
		cfg.Authority = DefaultAuthority
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	tmpl, err := uritemplate.New(cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("parsing authority template: %w", err)
	}
	vars := uritemplate.Values{}
	vars.Set("tenant", uritemplate.String(cfg.TenantID))
	tokenURL, err := tmpl.Expand(vars)
	if err != nil {
		return nil, fmt.Errorf("expanding authority template: %w", err)
	}
	if strings.Contains(cfg.Authority, "{tenant}") && cfg.TenantID == "" {
		return nil, errors.New("tenant id is required by the authority template")
	}

	return &ClientCredentials{
		conf: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{cfg.Scope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: cfg.HTTPClient,
	}, nil
}

// TokenURL returns the expanded token endpoint.
func (c *ClientCredentials) TokenURL() string { return c.conf.TokenURL }

// Token implements Source.
func (c *ClientCredentials) Token(ctx context.Context) (Result, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	tok, err := c.conf.TokenSource(ctx).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			oerr := &OAuthError{Code: re.ErrorCode, Description: re.ErrorDescription, err: re}
			if re.Response != nil {
				oerr.StatusCode = re.Response.StatusCode
			}
			return Result{}, oerr
		}
		return Result{}, fmt.Errorf("requesting token: %w", err)
	}

	res := Result{AccessToken: tok.AccessToken, ExpiresOn: tok.Expiry}
	if res.ExpiresOn.IsZero() {
		if exp, err := ExpiryFromJWT(tok.AccessToken); err == nil {
			res.ExpiresOn = exp
		}
	}
	return res, nil
}

// Verify interface compliance.
var _ Source = (*ClientCredentials)(nil)
