package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// UpsertContact records a sender/recipient, keeping the most recent
// non-empty display name.
func UpsertContact(ctx context.Context, pool *pgxpool.Pool, contact *models.Contact) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO contacts (id, account_id, name, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), contacts.name),
			updated_at = NOW()
	`, contact.ID, contact.AccountID, contact.Name, contact.Email)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

// GetContacts returns all contacts for an account, sorted by email.
func GetContacts(ctx context.Context, pool *pgxpool.Pool, accountID string) ([]*models.Contact, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, account_id, name, email, updated_at
		FROM contacts
		WHERE account_id = $1
		ORDER BY email
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		var contact models.Contact
		if err := rows.Scan(&contact.ID, &contact.AccountID, &contact.Name, &contact.Email, &contact.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, &contact)
	}
	return contacts, rows.Err()
}
