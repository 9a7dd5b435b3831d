// Package credential supplies decrypted provider API keys on demand.
// Keys are never persisted by the pipeline and never appear in logs.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Module provides the environment-backed supplier.
var Module = fx.Provide(NewEnvSupplier)

var ErrNotFound = errors.New("credential_not_found")

// Secret wraps a provider API key so it cannot leak through logging or
// fmt verbs. Reveal is the only accessor.
type Secret struct {
	value string
}

func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the raw key for use in an outbound request header.
func (s Secret) Reveal() string { return s.value }

func (s Secret) IsZero() bool { return s.value == "" }

func (s Secret) String() string { return "[REDACTED]" }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }

// Supplier resolves the billing-API key for an organization and provider.
// Implementations decrypt on demand; callers must not retain the secret.
type Supplier interface {
	Get(ctx context.Context, orgID string, provider string) (Secret, error)
}

type envSupplier struct{}

// NewEnvSupplier reads keys from PROVIDER_KEY_<PROVIDER>_<ORG> environment
// variables, falling back to PROVIDER_KEY_<PROVIDER>. Intended for
// standalone deployments; hosted deployments inject their own Supplier.
func NewEnvSupplier() Supplier {
	return envSupplier{}
}

func (envSupplier) Get(_ context.Context, orgID string, provider string) (Secret, error) {
	provider = strings.ToUpper(strings.TrimSpace(provider))
	orgID = strings.ToUpper(strings.TrimSpace(orgID))

	if v := os.Getenv(fmt.Sprintf("PROVIDER_KEY_%s_%s", provider, orgID)); v != "" {
		return NewSecret(v), nil
	}
	if v := os.Getenv(fmt.Sprintf("PROVIDER_KEY_%s", provider)); v != "" {
		return NewSecret(v), nil
	}
	return Secret{}, ErrNotFound
}

// StaticSupplier returns fixed secrets, keyed by provider. Test helper.
type StaticSupplier map[string]Secret

func (s StaticSupplier) Get(_ context.Context, _ string, provider string) (Secret, error) {
	secret, ok := s[provider]
	if !ok {
		return Secret{}, ErrNotFound
	}
	return secret, nil
}
