package auth

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type tokenValidator struct{ scopes []string }

func (v *tokenValidator) Validate(token string) (*Claims, error) {
	if token == "valid" {
		return &Claims{Subject: "player-1", Scopes: v.scopes}, nil
	}
	return nil, errors.New("invalid token")
}

func TestNewValidatorUsesRegisteredFactory(t *testing.T) {
	RegisterProvider("fixed", func(raw json.RawMessage) (Validator, error) {
		var cfg struct {
			Scopes []string `json:"scopes"`
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return &tokenValidator{scopes: cfg.Scopes}, nil
	})

	v, err := NewValidator(ProviderConfig{Type: " Fixed ", Config: json.RawMessage(`{"scopes":["tiledetect:detect"]}`)})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	claims, err := v.Validate("valid")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Caller() != "player-1" || !claims.HasScope("tiledetect:detect") {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := v.Validate("invalid"); err == nil {
		t.Fatal("expected error for invalid token")
	}

	if _, err := NewValidator(ProviderConfig{Type: "fixed", Config: json.RawMessage(`{bad`)}); err == nil || !strings.Contains(err.Error(), "auth provider fixed") {
		t.Fatalf("expected wrapped factory error, got %v", err)
	}
}

func TestNewValidatorEmptyTypeDisablesAuth(t *testing.T) {
	v, err := NewValidator(ProviderConfig{Type: "  "})
	if err != nil || v != nil {
		t.Fatalf("expected nil validator and no error, got %v, %v", v, err)
	}
}

func TestNewValidatorUnknownProvider(t *testing.T) {
	RegisterProvider("known", func(json.RawMessage) (Validator, error) { return &tokenValidator{}, nil })

	_, err := NewValidator(ProviderConfig{Type: "oauth"})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "known") {
		t.Errorf("error %q should list registered providers", err)
	}
}

func TestAuthorize(t *testing.T) {
	claims := &Claims{Subject: "s", Scopes: []string{"tiledetect:read", "tiledetect:detect"}}
	if err := Authorize(claims, "tiledetect:detect"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if err := Authorize(claims, ""); err != nil {
		t.Fatalf("empty scope should pass: %v", err)
	}
	if err := Authorize(&Claims{Subject: "s"}, "tiledetect:detect"); !errors.Is(err, ErrMissingScope) {
		t.Fatalf("expected ErrMissingScope, got %v", err)
	}
	if err := Authorize(nil, "tiledetect:detect"); !errors.Is(err, ErrMissingScope) {
		t.Fatalf("nil claims: expected ErrMissingScope, got %v", err)
	}
}
