package permission

import (
	"reflect"
	"testing"

	"github.com/lexilearn/token-gateway/internal/storage"
)

func fullGrant() *storage.ModelPermission {
	return &storage.ModelPermission{
		ModelName:        "word",
		CanCreate:        true,
		CanRead:          true,
		CanUpdate:        true,
		CanDelete:        true,
		CanList:          true,
		CanBulkCreate:    true,
		CanBulkUpdate:    true,
		CanBulkDelete:    true,
		RestrictedFields: []string{"internal_notes"},
		ReadonlyFields:   []string{"id", "created_at"},
	}
}

func TestEvaluateNoGrant(t *testing.T) {
	t.Parallel()

	result := Evaluate(nil, OpRead, nil)
	if result.Allowed {
		t.Fatal("nil grant must deny")
	}
	if result.Reason != DenyNoGrant {
		t.Errorf("Reason = %q, want no_grant", result.Reason)
	}
}

func TestEvaluateUnknownOperation(t *testing.T) {
	t.Parallel()

	result := Evaluate(fullGrant(), Operation("drop_table"), nil)
	if result.Allowed {
		t.Fatal("unknown operation must deny")
	}
	if result.Reason != DenyUnknownOperation {
		t.Errorf("Reason = %q, want unknown_operation", result.Reason)
	}
}

func TestEvaluateOperationFlags(t *testing.T) {
	t.Parallel()

	ops := []struct {
		op  Operation
		off func(p *storage.ModelPermission)
	}{
		{OpCreate, func(p *storage.ModelPermission) { p.CanCreate = false }},
		{OpRead, func(p *storage.ModelPermission) { p.CanRead = false }},
		{OpUpdate, func(p *storage.ModelPermission) { p.CanUpdate = false }},
		{OpDelete, func(p *storage.ModelPermission) { p.CanDelete = false }},
		{OpList, func(p *storage.ModelPermission) { p.CanList = false }},
		{OpBulkCreate, func(p *storage.ModelPermission) { p.CanBulkCreate = false }},
		{OpBulkUpdate, func(p *storage.ModelPermission) { p.CanBulkUpdate = false }},
		{OpBulkDelete, func(p *storage.ModelPermission) { p.CanBulkDelete = false }},
	}

	for _, tt := range ops {
		tt := tt
		t.Run(string(tt.op), func(t *testing.T) {
			t.Parallel()

			if result := Evaluate(fullGrant(), tt.op, nil); !result.Allowed {
				t.Errorf("granted %s denied: %+v", tt.op, result)
			}

			perm := fullGrant()
			tt.off(perm)
			result := Evaluate(perm, tt.op, nil)
			if result.Allowed {
				t.Errorf("ungranted %s allowed", tt.op)
			}
			if result.Reason != DenyOperationNotGranted {
				t.Errorf("Reason = %q, want operation_not_granted", result.Reason)
			}
		})
	}
}

func TestEvaluateReadStripsRestrictedFields(t *testing.T) {
	t.Parallel()

	for _, op := range []Operation{OpRead, OpList} {
		op := op
		t.Run(string(op), func(t *testing.T) {
			t.Parallel()

			result := Evaluate(fullGrant(), op, []string{"text", "internal_notes", "created_at"})
			if !result.Allowed {
				t.Fatalf("read denied: %+v", result)
			}
			// Restricted is stripped silently; readonly stays readable.
			want := []string{"text", "created_at"}
			if !reflect.DeepEqual(result.AllowedFields, want) {
				t.Errorf("AllowedFields = %v, want %v", result.AllowedFields, want)
			}
		})
	}
}

func TestEvaluateReadNoRequestedFields(t *testing.T) {
	t.Parallel()

	result := Evaluate(fullGrant(), OpRead, nil)
	if !result.Allowed {
		t.Fatalf("read denied: %+v", result)
	}
	if result.AllowedFields != nil {
		t.Errorf("AllowedFields = %v, want nil when none requested", result.AllowedFields)
	}
}

func TestEvaluateWriteDeniesBlockedField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		op        Operation
		fields    []string
		wantField string
	}{
		{name: "restricted on update", op: OpUpdate, fields: []string{"text", "internal_notes"}, wantField: "internal_notes"},
		{name: "readonly on update", op: OpUpdate, fields: []string{"created_at"}, wantField: "created_at"},
		{name: "readonly on create", op: OpCreate, fields: []string{"id", "text"}, wantField: "id"},
		{name: "restricted on bulk update", op: OpBulkUpdate, fields: []string{"internal_notes"}, wantField: "internal_notes"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := Evaluate(fullGrant(), tt.op, tt.fields)
			if result.Allowed {
				t.Fatalf("write touching %q allowed", tt.wantField)
			}
			if result.Reason != DenyFieldNotWritable {
				t.Errorf("Reason = %q, want field_not_writable", result.Reason)
			}
			if result.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", result.Field, tt.wantField)
			}
		})
	}
}

func TestEvaluateWriteCleanFields(t *testing.T) {
	t.Parallel()

	result := Evaluate(fullGrant(), OpUpdate, []string{"text", "definition"})
	if !result.Allowed {
		t.Fatalf("clean write denied: %+v", result)
	}
}
