package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrCategoryNotFound is returned when a requested category cannot be found.
var ErrCategoryNotFound = errors.New("category not found")

const categoryColumns = `id, account_id, name, is_label, role, sync_state, created_at`

func scanCategory(row pgx.Row) (*models.Category, error) {
	var category models.Category
	var syncState []byte
	if err := row.Scan(
		&category.ID,
		&category.AccountID,
		&category.Name,
		&category.IsLabel,
		&category.Role,
		&syncState,
		&category.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(syncState, &category.SyncState); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync state: %w", err)
	}
	return &category, nil
}

// GetCategory loads one category by id.
func GetCategory(ctx context.Context, pool *pgxpool.Pool, categoryID string) (*models.Category, error) {
	row := pool.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = $1`, categoryID)
	category, err := scanCategory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCategoryNotFound
		}
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return category, nil
}

// GetCategories returns all categories for an account.
func GetCategories(ctx context.Context, pool *pgxpool.Pool, accountID string) ([]*models.Category, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE account_id = $1
		ORDER BY name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get categories: %w", err)
	}
	defer rows.Close()

	var categories []*models.Category
	for rows.Next() {
		category, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, category)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate categories: %w", err)
	}
	return categories, nil
}

// ReconcileCategories applies a folder-list diff in one transaction: read
// the current set, create what the server added, delete what it removed,
// and apply role changes. A concurrent reader never observes a half-updated
// category set.
func ReconcileCategories(ctx context.Context, pool *pgxpool.Pool, accountID string, create []*models.Category, deleteIDs []string, roleChanges map[string]models.Role) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, category := range create {
		syncState, err := json.Marshal(category.SyncState)
		if err != nil {
			return fmt.Errorf("failed to marshal sync state: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO categories (id, account_id, name, is_label, role, sync_state)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				is_label = EXCLUDED.is_label,
				role = EXCLUDED.role
		`, category.ID, category.AccountID, category.Name, category.IsLabel, category.Role, syncState)
		if err != nil {
			return fmt.Errorf("failed to create category %q: %w", category.Name, err)
		}
	}

	for _, id := range deleteIDs {
		// Detach messages from the disappearing folder first; their content
		// stays, they just lose the remote anchor.
		if _, err := tx.Exec(ctx, `
			UPDATE messages SET folder_id = NULL, folder_uid = 0 WHERE folder_id = $1
		`, id); err != nil {
			return fmt.Errorf("failed to detach messages from category %s: %w", id, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM categories WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete category %s: %w", id, err)
		}
	}

	for id, role := range roleChanges {
		if _, err := tx.Exec(ctx, `UPDATE categories SET role = $2 WHERE id = $1`, id, role); err != nil {
			return fmt.Errorf("failed to set role on category %s: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit category reconciliation: %w", err)
	}
	return nil
}

// SaveSyncState persists a folder's fetch bookkeeping.
func SaveSyncState(ctx context.Context, pool *pgxpool.Pool, categoryID string, state models.SyncState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}
	_, err = pool.Exec(ctx, `UPDATE categories SET sync_state = $2 WHERE id = $1`, categoryID, payload)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// RenameCategory updates a category's name after a successful remote rename.
func RenameCategory(ctx context.Context, pool *pgxpool.Pool, categoryID, newName string) error {
	_, err := pool.Exec(ctx, `UPDATE categories SET name = $2 WHERE id = $1`, categoryID, newName)
	if err != nil {
		return fmt.Errorf("failed to rename category: %w", err)
	}
	return nil
}

// DeleteCategory removes a category and detaches its messages.
func DeleteCategory(ctx context.Context, pool *pgxpool.Pool, categoryID string) error {
	return ReconcileCategories(ctx, pool, "", nil, []string{categoryID}, nil)
}

// DetachFolderMessages clears folder id and UID off every message in the
// folder. Used for UID-validity recovery; message content is preserved.
func DetachFolderMessages(ctx context.Context, pool *pgxpool.Pool, folderID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE messages SET folder_id = NULL, folder_uid = 0 WHERE folder_id = $1
	`, folderID)
	if err != nil {
		return fmt.Errorf("failed to detach folder messages: %w", err)
	}
	return nil
}
