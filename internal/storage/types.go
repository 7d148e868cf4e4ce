package storage

import "time"

// TokenKind discriminates the two token variants. The kind is also encoded
// in the secret prefix ("mob_" / "api_") so the gateway can dispatch without
// a store lookup.
type TokenKind string

const (
	// KindMobile is a mobile-app token with role-based permissions.
	KindMobile TokenKind = "mobile"
	// KindAPI is an API-client token with per-model permissions.
	KindAPI TokenKind = "api"
)

// TokenStatus is the stored lifecycle state of a token. Expiry is derived
// from ExpiresAt at validation time and never stored.
type TokenStatus string

const (
	// StatusActive means the token may validate.
	StatusActive TokenStatus = "active"
	// StatusInactive means the token is administratively paused.
	StatusInactive TokenStatus = "inactive"
	// StatusRevoked means the token is permanently disabled.
	StatusRevoked TokenStatus = "revoked"
)

// Token is the durable record of an issued token. Both variants share one
// table; variant-specific columns are zero-valued on the other kind.
type Token struct {
	ID         int64
	SecretHash string // SHA-256 hex of the full secret; the secret itself is never stored
	Kind       TokenKind
	Name       string
	Status     TokenStatus

	// Mobile variant
	Role               string // "user", "staff", "admin"
	RequiredAppVersion string

	// API-client variant
	ClientName       string
	ClientEmail      string
	RateLimitPerHour int64 // 0 = unlimited
	RateLimitPerDay  int64 // 0 = unlimited
	AllowedEndpoints []string

	// Shared policy
	AllowedIPs    []string // IPs or CIDR prefixes; empty = any
	ExpiresAt     *time.Time
	MaxUsageCount int64 // 0 = unlimited
	UsageCount    int64

	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastUsedAt *time.Time
}

// ModelPermission is a per-token, per-model grant. Absence of a row for a
// model means zero access to that model.
type ModelPermission struct {
	ID        int64
	TokenID   int64
	ModelName string

	CanCreate     bool
	CanRead       bool
	CanUpdate     bool
	CanDelete     bool
	CanList       bool
	CanBulkCreate bool
	CanBulkUpdate bool
	CanBulkDelete bool

	RestrictedFields []string // never exposed
	ReadonlyFields   []string // exposed but not writable

	CreatedAt time.Time
}

// WindowKind identifies a rate-limit window bucket.
type WindowKind string

const (
	// WindowHour is a wall-clock-aligned hourly bucket.
	WindowHour WindowKind = "hour"
	// WindowDay is a wall-clock-aligned daily bucket.
	WindowDay WindowKind = "day"
)

// UsageEntry is one append-only usage-log record. Entries are written once
// and never mutated or deleted by the gateway.
type UsageEntry struct {
	ID           int64
	TokenID      int64
	TokenKind    TokenKind
	TokenName    string
	Timestamp    time.Time
	Endpoint     string
	Method       string
	ClientIP     string
	UserAgent    string
	StatusCode   int
	LatencyMS    int64
	RequestSize  int64
	ResponseSize int64
	ErrorCode    string // empty on success
}

// UsageCommit describes the atomic commit performed after a fully
// successful validation: the usage_count increment plus both rate-window
// increments, in one transaction.
type UsageCommit struct {
	TokenID   int64
	Now       time.Time
	HourStart time.Time
	DayStart  time.Time
	HourLimit int64 // 0 = unlimited; windows only tracked for API tokens
	DayLimit  int64
}

// CommitDenial enumerates why a commit was refused. The commit re-checks
// every counter under the transaction, so two requests racing for the last
// slot cannot both pass.
type CommitDenial string

const (
	// CommitOK means all counters were incremented.
	CommitOK CommitDenial = ""
	// CommitTokenNotActive means the token was revoked or deactivated
	// between the status check and the commit.
	CommitTokenNotActive CommitDenial = "token_not_active"
	// CommitUsageLimit means usage_count reached max_usage_count.
	CommitUsageLimit CommitDenial = "usage_limit"
	// CommitHourLimit means the hourly window was full.
	CommitHourLimit CommitDenial = "hour_limit"
	// CommitDayLimit means the daily window was full.
	CommitDayLimit CommitDenial = "day_limit"
)

// CommitResult reports the outcome of a UsageCommit.
type CommitResult struct {
	Denial     CommitDenial
	UsageCount int64 // usage_count after the commit (or at denial time)
}
