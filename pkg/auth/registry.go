package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderConfig names a validator provider and carries its raw config block.
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// ValidatorFactory builds a validator from a provider's config block.
type ValidatorFactory func(config json.RawMessage) (Validator, error)

var (
	factories = make(map[string]ValidatorFactory)
	mu        sync.RWMutex
)

// RegisterProvider makes a provider available to NewValidator. Providers
// register themselves from init; registering a name again replaces it.
func RegisterProvider(providerType string, factory ValidatorFactory) {
	name := providerName(providerType)
	if name == "" || factory == nil {
		panic("auth: RegisterProvider needs a name and a factory")
	}
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// NewValidator builds the validator for pc. An empty type means auth is
// disabled and yields a nil validator with no error.
func NewValidator(pc ProviderConfig) (Validator, error) {
	name := providerName(pc.Type)
	if name == "" {
		return nil, nil
	}

	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown auth provider %q (registered: %s)", pc.Type, strings.Join(registered(), ", "))
	}

	v, err := factory(pc.Config)
	if err != nil {
		return nil, fmt.Errorf("auth provider %s: %w", name, err)
	}
	return v, nil
}

func registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func providerName(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
