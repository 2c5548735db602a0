package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/osvaldoandrade/tiledetect/pkg/auth"
)

const (
	defaultHTTPTimeout = 5 * time.Second
	defaultCacheTTL    = 5 * time.Minute
	// An unknown kid triggers at most one refetch per interval.
	minRefetchInterval = 10 * time.Second
)

// Config configures a Validator.
type Config struct {
	JwksURL     string
	Issuer      string
	Audience    string
	ClockSkew   time.Duration
	HTTPTimeout time.Duration
	CacheTTL    time.Duration
}

// Validator verifies RS256/384/512 tokens against keys published at a JWKS URL.
type Validator struct {
	cfg    Config
	parser *jwt.Parser
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Scope string `json:"scope"`
	// scp is either a space separated string or a list, depending on the issuer.
	Scp any `json:"scp"`
}

type jsonConfig struct {
	JwksURL            string `json:"jwksUrl"`
	Issuer             string `json:"issuer"`
	Audience           string `json:"audience"`
	ClockSkewSeconds   int    `json:"clockSkewSeconds"`
	HTTPTimeoutSeconds int    `json:"httpTimeoutSeconds"`
	CacheTTLSeconds    int    `json:"cacheTtlSeconds"`
}

func init() {
	auth.RegisterProvider("jwks", NewValidatorFromJSON)
}

// NewValidatorFromJSON builds a validator from the auth.config block.
func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	var jc jsonConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &jc); err != nil {
			return nil, fmt.Errorf("jwks auth: invalid config: %w", err)
		}
	}
	v, err := NewValidator(Config{
		JwksURL:     jc.JwksURL,
		Issuer:      jc.Issuer,
		Audience:    jc.Audience,
		ClockSkew:   time.Duration(jc.ClockSkewSeconds) * time.Second,
		HTTPTimeout: time.Duration(jc.HTTPTimeoutSeconds) * time.Second,
		CacheTTL:    time.Duration(jc.CacheTTLSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func NewValidator(cfg Config) (*Validator, error) {
	switch {
	case cfg.JwksURL == "":
		return nil, errors.New("jwksUrl is required")
	case cfg.Issuer == "":
		return nil, errors.New("issuer is required")
	case cfg.Audience == "":
		return nil, errors.New("audience is required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Validator{
		cfg: cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(cfg.ClockSkew),
			jwt.WithExpirationRequired(),
		),
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		keys:   make(map[string]*rsa.PublicKey),
	}, nil
}

func (v *Validator) Validate(token string) (*auth.Claims, error) {
	var tc tokenClaims
	if _, err := v.parser.ParseWithClaims(token, &tc, v.keyFor); err != nil {
		return nil, err
	}
	return &auth.Claims{
		Subject:  tc.Subject,
		Email:    tc.Email,
		Issuer:   tc.Issuer,
		Audience: []string(tc.Audience),
		Scopes:   tc.scopes(),
	}, nil
}

func (tc *tokenClaims) scopes() []string {
	out := strings.Fields(tc.Scope)
	switch scp := tc.Scp.(type) {
	case string:
		out = append(out, strings.Fields(scp)...)
	case []any:
		for _, s := range scp {
			if str, ok := s.(string); ok && str != "" {
				out = append(out, str)
			}
		}
	}
	return out
}

func (v *Validator) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid in token header")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	age := time.Since(v.fetchedAt)
	if key, ok := v.keys[kid]; ok && age < v.cfg.CacheTTL {
		return key, nil
	}
	// Keys rotate; refetch on expiry or on an unseen kid, but not in a tight loop.
	if v.fetchedAt.IsZero() || age >= v.cfg.CacheTTL || age >= minRefetchInterval {
		keys, err := v.fetch()
		if err != nil {
			return nil, err
		}
		v.keys = keys
		v.fetchedAt = time.Now()
	}
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key %s not found in JWKS", kid)
}

func (v *Validator) fetch() (map[string]*rsa.PublicKey, error) {
	ctx, cancel := context.WithTimeout(context.Background(), v.cfg.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func rsaKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() < 2 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}
