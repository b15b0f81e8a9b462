// Package retry classifies embed failures and decides whether, and how, a
// failed embed is attempted again.
package retry

import (
	"errors"
	"strings"

	"github.com/txn2/embed-platform/pkg/coordinator"
	"github.com/txn2/embed-platform/pkg/embed"
	"github.com/txn2/embed-platform/pkg/token"
)

// Class is the retry-relevant category of an embed failure.
type Class string

// Error classes.
const (
	TokenExpired   Class = "TokenExpired"
	QueryUserError Class = "QueryUserError"
	RateLimited    Class = "RateLimited"
	NotFound       Class = "NotFound"
	Unauthorized   Class = "Unauthorized"
	Unknown        Class = "Unknown"
)

// Patterns maps each class to the case-insensitive substrings that identify
// it in a vendor error code or message. The vendor publishes no versioned
// code list, so these are configuration rather than invariants.
type Patterns map[Class][]string

// DefaultPatterns are matched when no configuration overrides them.
func DefaultPatterns() Patterns {
	return Patterns{
		TokenExpired:   {"TokenExpired", "token expired", "token has expired", "403 Forbidden"},
		QueryUserError: {"QueryUserError", "query user error"},
		RateLimited:    {"TooManyRequests", "rate limit", "429"},
		NotFound:       {"PowerBIEntityNotFound", "not found", "404"},
		Unauthorized:   {"Unauthorized", "401", "insufficient permissions"},
	}
}

// classOrder fixes the precedence when several classes match.
var classOrder = []Class{TokenExpired, QueryUserError, RateLimited, NotFound, Unauthorized}

// Classifier maps errors to classes.
type Classifier struct {
	patterns Patterns
}

// NewClassifier creates a classifier. Classes missing from p fall back to
// DefaultPatterns.
func NewClassifier(p Patterns) *Classifier {
	merged := DefaultPatterns()
	for class, subs := range p {
		if len(subs) > 0 {
			merged[class] = subs
		}
	}
	return &Classifier{patterns: merged}
}

// Classify returns the class of err.
func (c *Classifier) Classify(err error) Class {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, coordinator.ErrTimeout) {
		return Unknown
	}

	var authErr *token.AuthError
	if errors.As(err, &authErr) {
		return TokenExpired
	}

	text := err.Error()
	var embedErr *embed.Error
	if errors.As(err, &embedErr) {
		text = embedErr.Code + " " + embedErr.Message
	}
	text = strings.ToLower(text)

	for _, class := range classOrder {
		for _, sub := range c.patterns[class] {
			if sub != "" && strings.Contains(text, strings.ToLower(sub)) {
				return class
			}
		}
	}
	return Unknown
}

// Retryable reports whether class may be retried at all.
func (c Class) Retryable() bool {
	switch c {
	case NotFound, Unauthorized:
		return false
	default:
		return true
	}
}

// UserMessage returns the human-readable explanation for a terminal failure.
func UserMessage(c Class) string {
	switch c {
	case TokenExpired:
		return "Your session token has a problem. Please sign in again."
	case NotFound, Unauthorized:
		return "The report could not be found or you do not have access to it. Check the embed configuration."
	default:
		return "The report failed to load because of a temporary problem. Retry is available."
	}
}
