package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

// SaveAccount inserts or updates an account.
func SaveAccount(ctx context.Context, pool *pgxpool.Pool, account *models.Account) error {
	settings, err := json.Marshal(account.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	policy, err := json.Marshal(account.SyncPolicy)
	if err != nil {
		return fmt.Errorf("failed to marshal sync policy: %w", err)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO accounts (
			id,
			email_address,
			provider,
			settings,
			encrypted_credentials,
			sync_policy,
			sync_health,
			sync_error,
			first_sync_completed_at,
			last_sync_completions
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			email_address = EXCLUDED.email_address,
			provider = EXCLUDED.provider,
			settings = EXCLUDED.settings,
			encrypted_credentials = EXCLUDED.encrypted_credentials,
			sync_policy = EXCLUDED.sync_policy,
			sync_health = EXCLUDED.sync_health,
			sync_error = EXCLUDED.sync_error,
			first_sync_completed_at = EXCLUDED.first_sync_completed_at,
			last_sync_completions = EXCLUDED.last_sync_completions,
			updated_at = NOW()
	`,
		account.ID,
		account.EmailAddress,
		account.Provider,
		settings,
		account.EncryptedCredentials,
		policy,
		account.SyncHealth,
		account.SyncError,
		account.FirstSyncCompletedAt,
		completionsToArray(account.LastSyncCompletions),
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}

// GetAccount loads one account by id.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.Account, error) {
	var account models.Account
	var settings, policy []byte
	var completions []time.Time

	err := pool.QueryRow(ctx, `
		SELECT
			id,
			email_address,
			provider,
			settings,
			encrypted_credentials,
			sync_policy,
			sync_health,
			sync_error,
			first_sync_completed_at,
			last_sync_completions,
			created_at,
			updated_at
		FROM accounts
		WHERE id = $1
	`, accountID).Scan(
		&account.ID,
		&account.EmailAddress,
		&account.Provider,
		&settings,
		&account.EncryptedCredentials,
		&policy,
		&account.SyncHealth,
		&account.SyncError,
		&account.FirstSyncCompletedAt,
		&completions,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if err := json.Unmarshal(settings, &account.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := json.Unmarshal(policy, &account.SyncPolicy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync policy: %w", err)
	}
	account.LastSyncCompletions = completions

	return &account, nil
}

// ListAccounts returns every account, oldest first.
func ListAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}

	accounts := make([]*models.Account, 0, len(ids))
	for _, id := range ids {
		account, err := GetAccount(ctx, pool, id)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// DeleteAccount removes an account and, via cascading foreign keys, all of
// its synced data.
func DeleteAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) error {
	_, err := pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// SetAccountSyncError persists a sync failure onto the account.
func SetAccountSyncError(ctx context.Context, pool *pgxpool.Pool, accountID string, health models.SyncHealth, syncError string) error {
	_, err := pool.Exec(ctx, `
		UPDATE accounts
		SET sync_health = $2, sync_error = $3, updated_at = NOW()
		WHERE id = $1
	`, accountID, health, syncError)
	if err != nil {
		return fmt.Errorf("failed to set account sync error: %w", err)
	}
	return nil
}

// RecordSyncCompletion clears any stored sync error and rolls the bounded
// window of completion timestamps forward.
func RecordSyncCompletion(ctx context.Context, pool *pgxpool.Pool, account *models.Account, completedAt time.Time, window time.Duration) error {
	if account.FirstSyncCompletedAt == nil {
		account.FirstSyncCompletedAt = &completedAt
	}

	kept := account.LastSyncCompletions[:0]
	horizon := completedAt.Add(-window)
	for _, ts := range account.LastSyncCompletions {
		if ts.After(horizon) {
			kept = append(kept, ts)
		}
	}
	account.LastSyncCompletions = append(kept, completedAt)
	account.SyncHealth = models.SyncHealthRunning
	account.SyncError = ""

	_, err := pool.Exec(ctx, `
		UPDATE accounts
		SET sync_health = $2,
		    sync_error = '',
		    first_sync_completed_at = $3,
		    last_sync_completions = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, account.ID, account.SyncHealth, account.FirstSyncCompletedAt, completionsToArray(account.LastSyncCompletions))
	if err != nil {
		return fmt.Errorf("failed to record sync completion: %w", err)
	}
	return nil
}

func completionsToArray(ts []time.Time) []time.Time {
	if ts == nil {
		return []time.Time{}
	}
	return ts
}
