package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexilearn/token-gateway/internal/storage"
)

// Issuance errors.
var (
	// ErrInvalidPolicy indicates the requested token policy is malformed.
	ErrInvalidPolicy = errors.New("token: invalid policy")
	// ErrInvalidExpiresAt indicates expires_at is not in the future.
	ErrInvalidExpiresAt = errors.New("token: expires_at must be in the future")
)

// validRoles for mobile tokens.
var validRoles = map[string]bool{"user": true, "staff": true, "admin": true}

// Policy describes the attributes of a token to issue. Variant-specific
// fields are ignored for the other kind.
type Policy struct {
	Name string

	// Mobile variant
	Role               string
	RequiredAppVersion string

	// API-client variant
	ClientName       string
	ClientEmail      string
	RateLimitPerHour int64
	RateLimitPerDay  int64
	AllowedEndpoints []string

	// Shared
	AllowedIPs    []string
	ExpiresAt     *time.Time
	MaxUsageCount int64

	// Permissions to grant at issue time (API-client tokens).
	Permissions []*storage.ModelPermission
}

// Store is the persistence surface the issuer needs.
type Store interface {
	CreateToken(ctx context.Context, t *storage.Token) error
	GetTokenByID(ctx context.Context, id int64) (*storage.Token, error)
	SetTokenStatus(ctx context.Context, id int64, status storage.TokenStatus) error
	SwapSecretHash(ctx context.Context, id int64, newHash string) error
	UpsertPermission(ctx context.Context, p *storage.ModelPermission) error
}

// Issuer creates tokens and drives their lifecycle transitions.
type Issuer struct {
	store Store
}

// NewIssuer creates a new Issuer.
func NewIssuer(store Store) *Issuer {
	return &Issuer{store: store}
}

// maxCollisionRetries bounds regeneration attempts on a secret-hash
// collision. Collisions are vanishingly rare; the bound exists so a store
// returning ErrDuplicate for another reason cannot loop forever.
const maxCollisionRetries = 5

// Issue creates a new token of the given kind and returns the stored record
// together with the plaintext secret. The secret is visible only here;
// afterwards only its hash exists.
func (i *Issuer) Issue(ctx context.Context, kind storage.TokenKind, policy Policy) (*storage.Token, string, error) {
	if err := validatePolicy(kind, policy); err != nil {
		return nil, "", err
	}

	for attempt := 0; attempt < maxCollisionRetries; attempt++ {
		secret, err := GenerateSecret(kind)
		if err != nil {
			return nil, "", err
		}

		t := &storage.Token{
			SecretHash:         HashSecret(secret),
			Kind:               kind,
			Name:               policy.Name,
			Status:             storage.StatusActive,
			Role:               policy.Role,
			RequiredAppVersion: policy.RequiredAppVersion,
			ClientName:         policy.ClientName,
			ClientEmail:        policy.ClientEmail,
			RateLimitPerHour:   policy.RateLimitPerHour,
			RateLimitPerDay:    policy.RateLimitPerDay,
			AllowedEndpoints:   policy.AllowedEndpoints,
			AllowedIPs:         policy.AllowedIPs,
			ExpiresAt:          policy.ExpiresAt,
			MaxUsageCount:      policy.MaxUsageCount,
		}

		err = i.store.CreateToken(ctx, t)
		if errors.Is(err, storage.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to persist token: %w", err)
		}

		for _, p := range policy.Permissions {
			p.TokenID = t.ID
			if err := i.store.UpsertPermission(ctx, p); err != nil {
				return nil, "", fmt.Errorf("failed to persist permission for %s: %w", p.ModelName, err)
			}
		}

		return t, secret, nil
	}

	return nil, "", fmt.Errorf("failed to issue token: %w", storage.ErrDuplicate)
}

// Regenerate swaps a token's secret for a fresh one. The swap is a single
// row update: the old secret must not validate once the new one is
// persisted, and there is no window in which both work.
// Returns the new plaintext secret.
func (i *Issuer) Regenerate(ctx context.Context, id int64) (string, error) {
	t, err := i.store.GetTokenByID(ctx, id)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < maxCollisionRetries; attempt++ {
		secret, err := GenerateSecret(t.Kind)
		if err != nil {
			return "", err
		}

		err = i.store.SwapSecretHash(ctx, id, HashSecret(secret))
		if errors.Is(err, storage.ErrDuplicate) {
			continue
		}
		if err != nil {
			return "", err
		}
		return secret, nil
	}

	return "", fmt.Errorf("failed to regenerate token: %w", storage.ErrDuplicate)
}

// Revoke permanently disables a token. Takes effect for the very next
// validation attempt; the gateway never caches status.
func (i *Issuer) Revoke(ctx context.Context, id int64) error {
	return i.store.SetTokenStatus(ctx, id, storage.StatusRevoked)
}

// Activate enables a token.
func (i *Issuer) Activate(ctx context.Context, id int64) error {
	return i.store.SetTokenStatus(ctx, id, storage.StatusActive)
}

// Deactivate administratively pauses a token without revoking it.
func (i *Issuer) Deactivate(ctx context.Context, id int64) error {
	return i.store.SetTokenStatus(ctx, id, storage.StatusInactive)
}

// RevokeAll revokes a set of tokens as independent, idempotent single-token
// operations; no cross-token atomicity is attempted. Tokens that no longer
// exist are skipped. Returns the IDs actually revoked.
func (i *Issuer) RevokeAll(ctx context.Context, ids []int64) ([]int64, error) {
	revoked := make([]int64, 0, len(ids))
	for _, id := range ids {
		err := i.Revoke(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke token %d: %w", id, err)
		}
		revoked = append(revoked, id)
	}
	return revoked, nil
}

func validatePolicy(kind storage.TokenKind, policy Policy) error {
	if policy.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if policy.ExpiresAt != nil && !policy.ExpiresAt.After(time.Now()) {
		return ErrInvalidExpiresAt
	}
	if policy.MaxUsageCount < 0 {
		return fmt.Errorf("%w: max usage count cannot be negative", ErrInvalidPolicy)
	}

	switch kind {
	case storage.KindMobile:
		if !validRoles[policy.Role] {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidPolicy, policy.Role)
		}
	case storage.KindAPI:
		if policy.RateLimitPerHour < 0 || policy.RateLimitPerDay < 0 {
			return fmt.Errorf("%w: rate limits cannot be negative", ErrInvalidPolicy)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}
