package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const permissionColumns = `id, token_id, model_name, can_create, can_read,
	can_update, can_delete, can_list, can_bulk_create, can_bulk_update,
	can_bulk_delete, restricted_fields, readonly_fields, created_at`

// UpsertPermission creates or replaces the permission row for
// (token_id, model_name). Permission rows are read-mostly; the gateway
// caches them with a short TTL, so changes take effect within that window.
func (s *SQLiteStorage) UpsertPermission(ctx context.Context, p *ModelPermission) error {
	if p.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	restrictedJSON, err := marshalStringArray(p.RestrictedFields)
	if err != nil {
		return fmt.Errorf("failed to marshal restricted fields: %w", err)
	}
	readonlyJSON, err := marshalStringArray(p.ReadonlyFields)
	if err != nil {
		return fmt.Errorf("failed to marshal readonly fields: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO model_permissions (token_id, model_name, can_create,
			can_read, can_update, can_delete, can_list, can_bulk_create,
			can_bulk_update, can_bulk_delete, restricted_fields, readonly_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token_id, model_name) DO UPDATE SET
			can_create = excluded.can_create,
			can_read = excluded.can_read,
			can_update = excluded.can_update,
			can_delete = excluded.can_delete,
			can_list = excluded.can_list,
			can_bulk_create = excluded.can_bulk_create,
			can_bulk_update = excluded.can_bulk_update,
			can_bulk_delete = excluded.can_bulk_delete,
			restricted_fields = excluded.restricted_fields,
			readonly_fields = excluded.readonly_fields`,
		p.TokenID, p.ModelName, p.CanCreate, p.CanRead, p.CanUpdate,
		p.CanDelete, p.CanList, p.CanBulkCreate, p.CanBulkUpdate,
		p.CanBulkDelete, string(restrictedJSON), string(readonlyJSON))
	if err != nil {
		return fmt.Errorf("failed to upsert permission: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil && id > 0 {
		p.ID = id
	}
	return nil
}

// GetPermission retrieves the permission row for (token_id, model_name).
// Returns ErrNotFound if no row exists - which the evaluator treats as
// zero access to that model.
func (s *SQLiteStorage) GetPermission(ctx context.Context, tokenID int64, modelName string) (*ModelPermission, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+permissionColumns+" FROM model_permissions WHERE token_id = ? AND model_name = ?",
		tokenID, modelName)

	p, err := scanPermission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return p, nil
}

// ListPermissions retrieves all permission rows for a token.
// Returns empty slice if no permissions exist (not an error).
func (s *SQLiteStorage) ListPermissions(ctx context.Context, tokenID int64) ([]*ModelPermission, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+permissionColumns+" FROM model_permissions WHERE token_id = ? ORDER BY model_name ASC",
		tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	permissions := make([]*ModelPermission, 0)
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission row: %w", err)
		}
		permissions = append(permissions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating permission rows: %w", err)
	}

	return permissions, nil
}

// DeletePermission deletes a permission row by ID.
// Returns ErrNotFound if the permission doesn't exist.
func (s *SQLiteStorage) DeletePermission(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM model_permissions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPermission(sc scanner) (*ModelPermission, error) {
	var p ModelPermission
	var restrictedJSON, readonlyJSON string

	err := sc.Scan(&p.ID, &p.TokenID, &p.ModelName, &p.CanCreate,
		&p.CanRead, &p.CanUpdate, &p.CanDelete, &p.CanList,
		&p.CanBulkCreate, &p.CanBulkUpdate, &p.CanBulkDelete,
		&restrictedJSON, &readonlyJSON, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := unmarshalStringArray(restrictedJSON, &p.RestrictedFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal restricted fields: %w", err)
	}
	if err := unmarshalStringArray(readonlyJSON, &p.ReadonlyFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal readonly fields: %w", err)
	}
	return &p, nil
}
