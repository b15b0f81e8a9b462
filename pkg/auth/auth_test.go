package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/txn2/embed-platform/internal/clock"
	"github.com/txn2/embed-platform/pkg/token"
)

func signedJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

func fixedSource(tok string, exp time.Time) Source {
	return SourceFunc(func(context.Context) (Result, error) {
		return Result{AccessToken: tok, ExpiresOn: exp}, nil
	})
}

func failingSource(err error) Source {
	return SourceFunc(func(context.Context) (Result, error) {
		return Result{}, err
	})
}

func TestExpiryFromJWT(t *testing.T) {
	exp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("reads exp", func(t *testing.T) {
		got, err := ExpiryFromJWT(signedJWT(t, jwt.MapClaims{"exp": exp.Unix(), "sub": "svc"}))
		require.NoError(t, err)
		assert.True(t, exp.Equal(got))
	})

	t.Run("expired token still parses", func(t *testing.T) {
		past := time.Now().Add(-time.Hour).Truncate(time.Second)
		got, err := ExpiryFromJWT(signedJWT(t, jwt.MapClaims{"exp": past.Unix()}))
		require.NoError(t, err)
		assert.True(t, past.Equal(got))
	})

	t.Run("missing exp", func(t *testing.T) {
		_, err := ExpiryFromJWT(signedJWT(t, jwt.MapClaims{"sub": "svc"}))
		assert.ErrorIs(t, err, ErrNoExpiry)
	})

	t.Run("not a jwt", func(t *testing.T) {
		_, err := ExpiryFromJWT("opaque-token")
		assert.Error(t, err)
	})
}

func TestChain(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	var interactiveCalls int
	interactive := SourceFunc(func(context.Context) (Result, error) {
		interactiveCalls++
		return Result{AccessToken: "interactive", ExpiresOn: exp}, nil
	})

	t.Run("silent succeeds", func(t *testing.T) {
		interactiveCalls = 0
		res, err := NewChain(fixedSource("silent", exp), interactive).Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "silent", res.AccessToken)
		assert.Zero(t, interactiveCalls)
	})

	t.Run("falls back on silent failure", func(t *testing.T) {
		interactiveCalls = 0
		res, err := NewChain(failingSource(ErrInteractionRequired), interactive).Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "interactive", res.AccessToken)
		assert.Equal(t, 1, interactiveCalls)
	})

	t.Run("silent failure without fallback", func(t *testing.T) {
		_, err := NewChain(failingSource(ErrInteractionRequired), nil).Token(context.Background())
		assert.ErrorIs(t, err, ErrInteractionRequired)
	})

	t.Run("interactive failure", func(t *testing.T) {
		boom := errors.New("popup blocked")
		_, err := NewChain(nil, failingSource(boom)).Token(context.Background())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, err := NewChain(nil, nil).Token(context.Background())
		assert.Error(t, err)
	})
}

func TestStatic(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	res, err := Static(signedJWT(t, jwt.MapClaims{"exp": exp.Unix()}), time.Minute, nil).Token(context.Background())
	require.NoError(t, err)
	assert.True(t, exp.Equal(res.ExpiresOn))

	res, err = Static("opaque", time.Hour, nil).Token(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), res.ExpiresOn, time.Minute)

	_, err = Static("", time.Hour, nil).Token(context.Background())
	assert.Error(t, err)
}

func TestStatic_UsesClock(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	fake := clock.NewFake(now)
	src := Static("opaque", time.Hour, fake)

	res, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), res.ExpiresOn)

	fake.Advance(30 * time.Minute)
	res, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Minute), res.ExpiresOn)
}

func TestRefresher(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	t.Run("explicit expiry", func(t *testing.T) {
		tok, err := Refresher(fixedSource("abc", exp)).Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, token.Token{Value: "abc", ExpiresAt: exp}, tok)
	})

	t.Run("expiry from jwt", func(t *testing.T) {
		raw := signedJWT(t, jwt.MapClaims{"exp": exp.Unix()})
		tok, err := Refresher(fixedSource(raw, time.Time{})).Refresh(context.Background())
		require.NoError(t, err)
		assert.True(t, exp.Equal(tok.ExpiresAt))
	})

	t.Run("no expiry anywhere", func(t *testing.T) {
		_, err := Refresher(fixedSource("opaque", time.Time{})).Refresh(context.Background())
		assert.Error(t, err)
	})

	t.Run("drives token lifecycle", func(t *testing.T) {
		lc := token.NewLifecycle(token.WithRefresher(Refresher(fixedSource("fresh", exp))))
		tok, err := lc.GetValidToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fresh", tok.Value)
		assert.True(t, lc.IsValid())
	})

	t.Run("source failure surfaces as auth error", func(t *testing.T) {
		lc := token.NewLifecycle(token.WithRefresher(Refresher(failingSource(ErrInteractionRequired))))
		_, err := lc.GetValidToken(context.Background())
		var authErr *token.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.ErrorIs(t, err, ErrInteractionRequired)
	})
}

func TestNewClientCredentials(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClientCredentialsConfig
		wantURL string
		wantErr bool
	}{
		{
			name:    "default authority",
			cfg:     ClientCredentialsConfig{TenantID: "contoso", ClientID: "id", ClientSecret: "s"},
			wantURL: "https://login.microsoftonline.com/contoso/oauth2/v2.0/token",
		},
		{
			name:    "literal authority",
			cfg:     ClientCredentialsConfig{Authority: "https://idp.example.com/token", ClientID: "id", ClientSecret: "s"},
			wantURL: "https://idp.example.com/token",
		},
		{name: "missing client id", cfg: ClientCredentialsConfig{TenantID: "t", ClientSecret: "s"}, wantErr: true},
		{name: "missing secret", cfg: ClientCredentialsConfig{TenantID: "t", ClientID: "id"}, wantErr: true},
		{name: "missing tenant", cfg: ClientCredentialsConfig{ClientID: "id", ClientSecret: "s"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc, err := NewClientCredentials(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, cc.TokenURL())
		})
	}
}

func tokenServer(t *testing.T, status int, body map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientCredentialsToken(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/tenant-1/token", r.URL.Path)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
			assert.Equal(t, "app", r.PostForm.Get("client_id"))
			assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
			assert.Equal(t, DefaultScope, r.PostForm.Get("scope"))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "aad-token",
				"token_type":   "Bearer",
				"expires_in":   3599,
			})
		}))
		defer srv.Close()

		cc, err := NewClientCredentials(ClientCredentialsConfig{
			Authority:    srv.URL + "/{tenant}/token",
			TenantID:     "tenant-1",
			ClientID:     "app",
			ClientSecret: "secret",
		})
		require.NoError(t, err)

		res, err := cc.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "aad-token", res.AccessToken)
		assert.WithinDuration(t, time.Now().Add(3599*time.Second), res.ExpiresOn, time.Minute)
	})

	t.Run("expiry from jwt without expires_in", func(t *testing.T) {
		exp := time.Now().Add(45 * time.Minute).Truncate(time.Second)
		raw := signedJWT(t, jwt.MapClaims{"exp": exp.Unix()})
		srv := tokenServer(t, http.StatusOK, map[string]any{"access_token": raw, "token_type": "Bearer"})

		cc, err := NewClientCredentials(ClientCredentialsConfig{Authority: srv.URL, ClientID: "app", ClientSecret: "s"})
		require.NoError(t, err)

		res, err := cc.Token(context.Background())
		require.NoError(t, err)
		assert.True(t, exp.Equal(res.ExpiresOn), "expected %v, got %v", exp, res.ExpiresOn)
	})

	t.Run("custom http client", func(t *testing.T) {
		srv := tokenServer(t, http.StatusOK, map[string]any{"access_token": "aad-token", "expires_in": 60})
		var used atomic.Bool
		client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			used.Store(true)
			return http.DefaultTransport.RoundTrip(r)
		})}

		cc, err := NewClientCredentials(ClientCredentialsConfig{
			Authority:    srv.URL,
			ClientID:     "app",
			ClientSecret: "s",
			HTTPClient:   client,
		})
		require.NoError(t, err)

		_, err = cc.Token(context.Background())
		require.NoError(t, err)
		assert.True(t, used.Load())
	})

	t.Run("oauth error", func(t *testing.T) {
		srv := tokenServer(t, http.StatusUnauthorized, map[string]any{
			"error":             "invalid_client",
			"error_description": "bad secret",
		})

		cc, err := NewClientCredentials(ClientCredentialsConfig{Authority: srv.URL, ClientID: "app", ClientSecret: "wrong"})
		require.NoError(t, err)

		_, err = cc.Token(context.Background())
		var oerr *OAuthError
		require.ErrorAs(t, err, &oerr)
		assert.Equal(t, http.StatusUnauthorized, oerr.StatusCode)
		assert.Equal(t, "invalid_client", oerr.Code)
		assert.Contains(t, err.Error(), "bad secret")

		var re *oauth2.RetrieveError
		assert.ErrorAs(t, err, &re)
	})

	t.Run("empty token", func(t *testing.T) {
		srv := tokenServer(t, http.StatusOK, map[string]any{"token_type": "Bearer"})

		cc, err := NewClientCredentials(ClientCredentialsConfig{Authority: srv.URL, ClientID: "app", ClientSecret: "s"})
		require.NoError(t, err)
		_, err = cc.Token(context.Background())
		assert.Error(t, err)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
