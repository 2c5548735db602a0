package auth

import (
	"errors"
	"fmt"
)

// ErrMissingScope is returned by Authorize when the caller lacks a required scope.
var ErrMissingScope = errors.New("missing scope")

// Claims is the identity a validator extracts from a bearer token.
type Claims struct {
	Subject  string
	Email    string
	Issuer   string
	Audience []string
	Scopes   []string
}

func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Caller returns the best human-readable identity for logs and run records.
func (c *Claims) Caller() string {
	if c == nil {
		return ""
	}
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// Authorize checks that claims grant scope. An empty scope authorizes everyone.
func Authorize(c *Claims, scope string) error {
	if scope == "" || c.HasScope(scope) {
		return nil
	}
	return fmt.Errorf("%w %q", ErrMissingScope, scope)
}

// Validator validates authentication tokens
type Validator interface {
	Validate(token string) (*Claims, error)
}
