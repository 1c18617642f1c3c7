// Package accounts defines the account and identity collaborators the poll
// engine consumes, plus a file-backed implementation of both.
package accounts

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrNotFound marks lookups of accounts, services or credentials that do
// not exist.
var ErrNotFound = errors.New("not found")

// Store answers which accounts and services are eligible for polling.
type Store interface {
	// EnabledAccounts lists enabled account ids in ascending order.
	EnabledAccounts(ctx context.Context) ([]uint32, error)
	// EnabledServices lists the enabled service names of an account.
	EnabledServices(ctx context.Context, account uint32) ([]string, error)
	// ServiceUsage is the application's usage description for a service.
	// An empty string means the application does not use the service.
	ServiceUsage(ctx context.Context, appID, service string) (string, error)
}

// AuthDescriptor is the static authentication setup of an account service.
type AuthDescriptor struct {
	Method        string         `json:"method" yaml:"method"`
	Mechanism     string         `json:"mechanism" yaml:"mechanism"`
	CredentialsID uint32         `json:"credentialsId" yaml:"credentials_id"`
	Parameters    map[string]any `json:"parameters,omitempty" yaml:"parameters"`
}

// UI policies understood by identity providers.
const (
	UIPolicyDefault           = 0
	UIPolicyRequestPassword   = 1
	UIPolicyNoUserInteraction = 2
	UIPolicyValidation        = 3
)

// SessionRequest is what is handed to the identity provider for one
// authentication exchange.
type SessionRequest struct {
	Descriptor        AuthDescriptor
	UIPolicy          int
	ForceTokenRefresh bool
}

// SessionData renders the request the way identity providers expect it:
// the static parameters plus the policy keys.
func (r SessionRequest) SessionData() map[string]any {
	out := make(map[string]any, len(r.Descriptor.Parameters)+2)
	for k, v := range r.Descriptor.Parameters {
		out[k] = v
	}
	out["UiPolicy"] = r.UIPolicy
	if r.ForceTokenRefresh {
		out["ForceTokenRefresh"] = true
	}
	return out
}

// Identity issues credentials for account services.
type Identity interface {
	AuthDescriptor(ctx context.Context, account uint32, service string) (AuthDescriptor, error)
	// Authenticate performs one exchange and returns the provider's reply.
	// Implementations must not prompt the user when the request carries
	// UIPolicyNoUserInteraction.
	Authenticate(ctx context.Context, account uint32, service string, req SessionRequest) (map[string]any, error)
}
