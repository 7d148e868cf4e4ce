// Package permission evaluates per-model, per-field token grants.
package permission

import (
	"github.com/lexilearn/token-gateway/internal/storage"
)

// Operation is one of the closed set of model operations a grant can allow.
// The set is fixed; grants are never resolved by reflecting over arbitrary
// model attributes.
type Operation string

const (
	// OpCreate creates a single record.
	OpCreate Operation = "create"
	// OpRead retrieves a single record.
	OpRead Operation = "read"
	// OpUpdate modifies a single record.
	OpUpdate Operation = "update"
	// OpDelete removes a single record.
	OpDelete Operation = "delete"
	// OpList lists or searches records.
	OpList Operation = "list"
	// OpBulkCreate creates many records at once.
	OpBulkCreate Operation = "bulk_create"
	// OpBulkUpdate modifies many records at once.
	OpBulkUpdate Operation = "bulk_update"
	// OpBulkDelete removes many records at once.
	OpBulkDelete Operation = "bulk_delete"
)

// Valid reports whether op is a member of the closed operation set.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpRead, OpUpdate, OpDelete, OpList,
		OpBulkCreate, OpBulkUpdate, OpBulkDelete:
		return true
	}
	return false
}

// ReadShaped reports whether op returns record data without mutating it.
// Read-shaped operations get restricted fields silently stripped rather
// than rejected.
func (op Operation) ReadShaped() bool {
	return op == OpRead || op == OpList
}

// DenyReason is the stable machine-readable reason for a denial.
type DenyReason string

const (
	// DenyNoGrant means no permission row exists for the model.
	DenyNoGrant DenyReason = "no_grant"
	// DenyOperationNotGranted means the row exists but the operation flag is off.
	DenyOperationNotGranted DenyReason = "operation_not_granted"
	// DenyFieldNotWritable means a write touched a restricted or readonly field.
	DenyFieldNotWritable DenyReason = "field_not_writable"
	// DenyUnknownOperation means the operation is outside the closed set.
	DenyUnknownOperation DenyReason = "unknown_operation"
)

// Result is the outcome of evaluating one operation against one grant.
type Result struct {
	Allowed bool
	Reason  DenyReason // set when denied
	Field   string     // offending field for DenyFieldNotWritable

	// AllowedFields is the requested field set with restricted fields
	// stripped. Only meaningful for allowed read-shaped operations; nil
	// when the caller requested no particular fields.
	AllowedFields []string
}

// Evaluate resolves an operation and requested field set against a
// permission row. A nil perm means no row exists for the model, which is
// zero access. Evaluation is pure: no side effects, safe to run
// concurrently for any number of tokens.
func Evaluate(perm *storage.ModelPermission, op Operation, requestedFields []string) *Result {
	if perm == nil {
		return &Result{Reason: DenyNoGrant}
	}
	if !op.Valid() {
		return &Result{Reason: DenyUnknownOperation}
	}
	if !operationGranted(perm, op) {
		return &Result{Reason: DenyOperationNotGranted}
	}

	if op.ReadShaped() {
		// Restricted fields are filtered, not an error: the caller asked
		// for them, the caller simply doesn't get them.
		return &Result{Allowed: true, AllowedFields: stripFields(requestedFields, perm.RestrictedFields)}
	}

	// Write-shaped: touching a restricted or readonly field is a denial
	// naming the offending field.
	blocked := make(map[string]bool, len(perm.RestrictedFields)+len(perm.ReadonlyFields))
	for _, f := range perm.RestrictedFields {
		blocked[f] = true
	}
	for _, f := range perm.ReadonlyFields {
		blocked[f] = true
	}
	for _, f := range requestedFields {
		if blocked[f] {
			return &Result{Reason: DenyFieldNotWritable, Field: f}
		}
	}

	return &Result{Allowed: true, AllowedFields: requestedFields}
}

func operationGranted(perm *storage.ModelPermission, op Operation) bool {
	switch op {
	case OpCreate:
		return perm.CanCreate
	case OpRead:
		return perm.CanRead
	case OpUpdate:
		return perm.CanUpdate
	case OpDelete:
		return perm.CanDelete
	case OpList:
		return perm.CanList
	case OpBulkCreate:
		return perm.CanBulkCreate
	case OpBulkUpdate:
		return perm.CanBulkUpdate
	case OpBulkDelete:
		return perm.CanBulkDelete
	}
	return false
}

func stripFields(requested, restricted []string) []string {
	if len(requested) == 0 {
		return nil
	}
	if len(restricted) == 0 {
		return requested
	}
	drop := make(map[string]bool, len(restricted))
	for _, f := range restricted {
		drop[f] = true
	}
	kept := make([]string, 0, len(requested))
	for _, f := range requested {
		if !drop[f] {
			kept = append(kept, f)
		}
	}
	return kept
}
