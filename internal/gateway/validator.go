// Package gateway orchestrates token validation: parse, lookup, status,
// IP, rate, endpoint, and permission checks folded into one allow/deny
// decision per request.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/lexilearn/token-gateway/internal/metrics"
	"github.com/lexilearn/token-gateway/internal/permission"
	"github.com/lexilearn/token-gateway/internal/ratelimit"
	"github.com/lexilearn/token-gateway/internal/storage"
	"github.com/lexilearn/token-gateway/internal/token"
)

// Input is one validation attempt. Model/Operation/Fields are optional;
// they are set when the request targets a model operation and trigger the
// permission stage for API-client tokens.
type Input struct {
	Secret   string
	Path     string
	Method   string
	ClientIP string

	Model     string
	Operation permission.Operation
	Fields    []string
}

// Decision is a successful validation outcome.
type Decision struct {
	TokenID   int64
	Kind      storage.TokenKind
	TokenName string

	// Mobile tokens
	Role               string
	RequiredAppVersion string

	// API-client tokens: the requested field set with restricted fields
	// stripped (read-shaped operations only).
	AllowedFields []string

	UsageCount int64
}

// Store is the persistence surface the validator needs. Token records are
// read fresh on every attempt - revocation takes effect immediately, with
// no caching window for status.
type Store interface {
	GetTokenBySecretHash(ctx context.Context, secretHash string) (*storage.Token, error)
	Commit(ctx context.Context, c storage.UsageCommit) (*storage.CommitResult, error)
}

// PermissionSource resolves permission rows; typically the TTL-cached
// source, since grants are read-mostly.
type PermissionSource interface {
	Get(ctx context.Context, tokenID int64, modelName string) (*storage.ModelPermission, error)
}

// Validator drives the per-request validation state machine. Stages run in
// strict order and short-circuit on the first failure; a denied request
// has no side effects on any counter.
type Validator struct {
	store   Store
	perms   PermissionSource
	limiter *ratelimit.Limiter

	// stageTimeout bounds each dependency call; a timeout surfaces as
	// ErrServiceUnavailable (fail closed).
	stageTimeout time.Duration

	now func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the validator's time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithStageTimeout overrides the per-stage dependency deadline.
func WithStageTimeout(d time.Duration) Option {
	return func(v *Validator) { v.stageTimeout = d }
}

// NewValidator creates a Validator.
func NewValidator(store Store, perms PermissionSource, limiter *ratelimit.Limiter, opts ...Option) *Validator {
	v := &Validator{
		store:        store,
		perms:        perms,
		limiter:      limiter,
		stageTimeout: 2 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the full state machine for one request. On success the
// usage count and rate windows have been atomically incremented and the
// returned Decision carries the token's role or filtered field set. On
// failure the returned error is one of the sentinel ValidationErrors or a
// *PermissionDeniedError, and nothing has been incremented.
func (v *Validator) Validate(ctx context.Context, in Input) (*Decision, error) {
	start := v.now()
	decision, err := v.validate(ctx, in)

	kind := "unknown"
	if decision != nil {
		kind = string(decision.Kind)
	} else if k, kerr := token.KindFromSecret(in.Secret); kerr == nil {
		kind = string(k)
	}
	metrics.RecordValidation(kind, CodeOf(err), v.now().Sub(start).Seconds())

	return decision, err
}

func (v *Validator) validate(ctx context.Context, in Input) (*Decision, error) {
	// Stage 1: parse. The prefix picks the variant; it is not a security
	// boundary - the full secret is still matched against the store.
	kind, err := token.KindFromSecret(in.Secret)
	if err != nil {
		return nil, ErrMalformedToken
	}

	// Stage 2: lookup by secret hash.
	t, err := v.lookup(ctx, in.Secret)
	if err != nil {
		return nil, err
	}
	if t.Kind != kind {
		// Prefix and stored kind disagree; treat as unknown.
		return nil, ErrTokenNotFound
	}

	// The token is identified from here on; denials carry its identity so
	// the usage log can attribute them.
	decision, err := v.validateToken(ctx, t, in)
	if err != nil {
		return nil, &AttributedError{TokenID: t.ID, Kind: t.Kind, Name: t.Name, Err: err}
	}
	return decision, nil
}

func (v *Validator) validateToken(ctx context.Context, t *storage.Token, in Input) (*Decision, error) {
	now := v.now()

	// Stage 3: status, expiry, usage ceiling.
	if t.Status != storage.StatusActive {
		return nil, ErrTokenInactive
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return nil, ErrTokenExpired
	}
	if t.MaxUsageCount > 0 && t.UsageCount >= t.MaxUsageCount {
		return nil, ErrUsageLimitExceeded
	}

	// Stage 4: IP allowlist.
	if err := checkIP(t.AllowedIPs, in.ClientIP); err != nil {
		return nil, err
	}

	// Stages 5-7 apply to API-client tokens only.
	var allowedFields []string
	if t.Kind == storage.KindAPI {
		// Stage 5: rate peek. The authoritative, race-free enforcement is
		// repeated inside the commit; this peek rejects early without
		// touching any counter.
		if err := v.checkRate(ctx, t, now); err != nil {
			return nil, err
		}

		// Stage 6: endpoint allowlist.
		if len(t.AllowedEndpoints) > 0 && !MatchEndpoint(t.AllowedEndpoints, in.Path) {
			return nil, ErrEndpointNotAllowed
		}

		// Stage 7: model permission.
		if in.Model != "" {
			fields, err := v.checkPermission(ctx, t.ID, in)
			if err != nil {
				return nil, err
			}
			allowedFields = fields
		}
	}

	// Stage 8: commit. One transaction increments usage_count and both
	// window counters, re-checking every ceiling so concurrent requests
	// racing for the last slot cannot both pass.
	result, err := v.commit(ctx, t, now)
	if err != nil {
		return nil, err
	}
	switch result.Denial {
	case storage.CommitOK:
	case storage.CommitTokenNotActive:
		return nil, ErrTokenInactive
	case storage.CommitUsageLimit:
		return nil, ErrUsageLimitExceeded
	case storage.CommitHourLimit:
		metrics.RecordRateLimitDenial(string(storage.WindowHour))
		return nil, ErrRateLimitExceeded
	case storage.CommitDayLimit:
		metrics.RecordRateLimitDenial(string(storage.WindowDay))
		return nil, ErrRateLimitExceeded
	default:
		return nil, ErrServiceUnavailable
	}

	return &Decision{
		TokenID:            t.ID,
		Kind:               t.Kind,
		TokenName:          t.Name,
		Role:               t.Role,
		RequiredAppVersion: t.RequiredAppVersion,
		AllowedFields:      allowedFields,
		UsageCount:         result.UsageCount,
	}, nil
}

func (v *Validator) lookup(ctx context.Context, secret string) (*storage.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, v.stageTimeout)
	defer cancel()

	t, err := v.store.GetTokenBySecretHash(ctx, token.HashSecret(secret))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		// Store failure or timeout: fail closed.
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return t, nil
}

func (v *Validator) checkRate(ctx context.Context, t *storage.Token, now time.Time) error {
	if t.RateLimitPerHour <= 0 && t.RateLimitPerDay <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.stageTimeout)
	defer cancel()

	st, err := v.limiter.Peek(ctx, t.ID, now, t.RateLimitPerHour, t.RateLimitPerDay)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !st.Allowed {
		metrics.RecordRateLimitDenial(string(st.Window))
		return ErrRateLimitExceeded
	}
	return nil
}

func (v *Validator) checkPermission(ctx context.Context, tokenID int64, in Input) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.stageTimeout)
	defer cancel()

	perm, err := v.perms.Get(ctx, tokenID, in.Model)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	result := permission.Evaluate(perm, in.Operation, in.Fields)
	if !result.Allowed {
		return nil, &PermissionDeniedError{
			Model:  in.Model,
			Op:     in.Operation,
			Reason: result.Reason,
			Field:  result.Field,
		}
	}
	return result.AllowedFields, nil
}

func (v *Validator) commit(ctx context.Context, t *storage.Token, now time.Time) (*storage.CommitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.stageTimeout)
	defer cancel()

	commit := storage.UsageCommit{
		TokenID:   t.ID,
		Now:       now,
		HourStart: ratelimit.HourStart(now),
		DayStart:  ratelimit.DayStart(now),
	}
	if t.Kind == storage.KindAPI {
		commit.HourLimit = t.RateLimitPerHour
		commit.DayLimit = t.RateLimitPerDay
	}

	result, err := v.store.Commit(ctx, commit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return result, nil
}

// checkIP verifies the caller IP against the allowlist. Entries may be
// plain addresses or CIDR prefixes; an empty allowlist admits any caller.
func checkIP(allowed []string, callerIP string) error {
	if len(allowed) == 0 {
		return nil
	}

	caller, err := netip.ParseAddr(callerIP)
	if err != nil {
		// A token with an IP allowlist and an unparseable caller address
		// cannot be verified; deny.
		return ErrIPNotAllowed
	}
	caller = caller.Unmap()

	for _, entry := range allowed {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(caller) {
				return nil
			}
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			if addr.Unmap() == caller {
				return nil
			}
		}
	}
	return ErrIPNotAllowed
}
