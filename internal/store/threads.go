package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

const threadColumns = `
	id, account_id, subject, cleaned_subject, remote_thread_id,
	unread_count, starred_count, message_count,
	first_message_at, last_message_at, created_at, updated_at`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var thread models.Thread
	if err := row.Scan(
		&thread.ID,
		&thread.AccountID,
		&thread.Subject,
		&thread.CleanedSubject,
		&thread.RemoteThreadID,
		&thread.UnreadCount,
		&thread.StarredCount,
		&thread.MessageCount,
		&thread.FirstMessageAt,
		&thread.LastMessageAt,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &thread, nil
}

// SaveThread inserts or updates a thread.
func SaveThread(ctx context.Context, pool *pgxpool.Pool, thread *models.Thread) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO threads (
			id, account_id, subject, cleaned_subject, remote_thread_id,
			unread_count, starred_count, message_count,
			first_message_at, last_message_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			subject = EXCLUDED.subject,
			cleaned_subject = EXCLUDED.cleaned_subject,
			remote_thread_id = EXCLUDED.remote_thread_id,
			unread_count = EXCLUDED.unread_count,
			starred_count = EXCLUDED.starred_count,
			message_count = EXCLUDED.message_count,
			first_message_at = EXCLUDED.first_message_at,
			last_message_at = EXCLUDED.last_message_at,
			updated_at = NOW()
	`,
		thread.ID,
		thread.AccountID,
		thread.Subject,
		thread.CleanedSubject,
		thread.RemoteThreadID,
		thread.UnreadCount,
		thread.StarredCount,
		thread.MessageCount,
		thread.FirstMessageAt,
		thread.LastMessageAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

// GetThread loads one thread by id, including its category membership.
func GetThread(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.Thread, error) {
	row := pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, threadID)
	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	categoryIDs, err := GetThreadCategoryIDs(ctx, pool, threadID)
	if err != nil {
		return nil, err
	}
	thread.CategoryIDs = categoryIDs
	return thread, nil
}

// GetThreadByRemoteID finds the thread carrying a provider-native thread id.
func GetThreadByRemoteID(ctx context.Context, pool *pgxpool.Pool, accountID, remoteThreadID string) (*models.Thread, error) {
	row := pool.QueryRow(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE account_id = $1 AND remote_thread_id = $2
	`, accountID, remoteThreadID)
	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to get thread by remote id: %w", err)
	}
	return thread, nil
}

// FindThreadCandidates returns the most recently active threads whose
// cleaned subject matches exactly, bounded by limit.
func FindThreadCandidates(ctx context.Context, pool *pgxpool.Pool, accountID, cleanedSubject string, limit int) ([]*models.Thread, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE account_id = $1 AND cleaned_subject = $2
		ORDER BY last_message_at DESC NULLS LAST
		LIMIT $3
	`, accountID, cleanedSubject, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find thread candidates: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

// GetThreadCategoryIDs returns a thread's folder/label membership.
func GetThreadCategoryIDs(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT category_id FROM thread_categories WHERE thread_id = $1 ORDER BY category_id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread categories: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan category id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddThreadCategories adds to a thread's membership. Membership is a union
// across member messages, so existing rows are never removed here.
func AddThreadCategories(ctx context.Context, pool *pgxpool.Pool, threadID string, categoryIDs []string) error {
	for _, categoryID := range categoryIDs {
		if categoryID == "" {
			continue
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO thread_categories (thread_id, category_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, threadID, categoryID)
		if err != nil {
			return fmt.Errorf("failed to add thread category %s: %w", categoryID, err)
		}
	}
	return nil
}

// CounterDelta is an aggregated flag-change delta for one thread.
type CounterDelta struct {
	Unread  int
	Starred int
}

// ApplyThreadCounterDeltas applies aggregated unread/starred deltas as a
// read-modify-write inside one transaction, so two concurrently processed
// batches touching the same thread cannot lose an update. Counters are
// clamped at zero.
func ApplyThreadCounterDeltas(ctx context.Context, pool *pgxpool.Pool, deltas map[string]CounterDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for threadID, delta := range deltas {
		if delta.Unread == 0 && delta.Starred == 0 {
			continue
		}
		_, err := tx.Exec(ctx, `
			UPDATE threads
			SET unread_count = GREATEST(unread_count + $2, 0),
			    starred_count = GREATEST(starred_count + $3, 0),
			    updated_at = NOW()
			WHERE id = $1
		`, threadID, delta.Unread, delta.Starred)
		if err != nil {
			return fmt.Errorf("failed to apply counter delta to thread %s: %w", threadID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit counter deltas: %w", err)
	}
	return nil
}

// GetThreadMessageIDs returns the ids of a thread's member messages.
func GetThreadMessageIDs(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM messages WHERE thread_id = $1 ORDER BY date`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread message ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
