// Package auth provides the identity capability: sources that produce a
// bearer token plus its expiry, tried silently first with an interactive
// fallback.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/embed-platform/internal/clock"
	"github.com/txn2/embed-platform/pkg/token"
)

// ErrInteractionRequired is returned by a silent source that cannot produce
// a token without user interaction.
var ErrInteractionRequired = errors.New("interaction required")

// Result is a token produced by a Source.
type Result struct {
	AccessToken string
	ExpiresOn   time.Time
}

// Source produces access tokens.
type Source interface {
	Token(ctx context.Context) (Result, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Result, error)

// Token calls f.
func (f SourceFunc) Token(ctx context.Context) (Result, error) {
	return f(ctx)
}

// Chain tries a silent source first and falls back to an interactive source
// only when the silent one fails.
type Chain struct {
	Silent      Source
	Interactive Source
}

// NewChain creates a chain. Either source may be nil.
func NewChain(silent, interactive Source) *Chain {
	return &Chain{Silent: silent, Interactive: interactive}
}

// Token implements Source.
func (c *Chain) Token(ctx context.Context) (Result, error) {
	var silentErr error
	if c.Silent != nil {
		res, err := c.Silent.Token(ctx)
		if err == nil {
			return res, nil
		}
		silentErr = err
		slog.Debug("silent token acquisition failed", "error", err)
	}

	if c.Interactive == nil {
		if silentErr != nil {
			return Result{}, fmt.Errorf("silent token acquisition: %w", silentErr)
		}
		return Result{}, errors.New("no token source configured")
	}

	res, err := c.Interactive.Token(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("interactive token acquisition: %w", err)
	}
	return res, nil
}

// Static returns a source that always yields value. The expiry is read from
// the token's exp claim when it is a JWT, otherwise ttl from cl's now is
// used. A nil cl uses the wall clock.
func Static(value string, ttl time.Duration, cl clock.Clock) Source {
	if cl == nil {
		cl = clock.Real{}
	}
	return SourceFunc(func(context.Context) (Result, error) {
		if value == "" {
			return Result{}, errors.New("static token is empty")
		}
		exp, err := ExpiryFromJWT(value)
		if err != nil {
			exp = cl.Now().Add(ttl)
		}
		return Result{AccessToken: value, ExpiresOn: exp}, nil
	})
}

// Refresher adapts src into a token refresher. A result without an expiry
// falls back to the JWT exp claim.
func Refresher(src Source) token.Refresher {
	return token.RefresherFunc(func(ctx context.Context) (token.Token, error) {
		res, err := src.Token(ctx)
		if err != nil {
			return token.Token{}, err
		}
		exp := res.ExpiresOn
		if exp.IsZero() {
			if exp, err = ExpiryFromJWT(res.AccessToken); err != nil {
				return token.Token{}, fmt.Errorf("token has no expiry: %w", err)
			}
		}
		return token.Token{Value: res.AccessToken, ExpiresAt: exp}, nil
	})
}

// Verify interface compliance.
var (
	_ Source = (*Chain)(nil)
	_ Source = SourceFunc(nil)
)
