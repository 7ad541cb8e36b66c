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

// ErrSyncbackRequestNotFound is returned when a requested syncback request
// cannot be found.
var ErrSyncbackRequestNotFound = errors.New("syncback request not found")

// CreateSyncbackRequest queues a new local mutation intent.
func CreateSyncbackRequest(ctx context.Context, pool *pgxpool.Pool, request *models.SyncbackRequest) error {
	if request.Status == "" {
		request.Status = models.SyncbackNew
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO syncback_requests (id, account_id, type, props, status)
		VALUES ($1, $2, $3, $4, $5)
	`, request.ID, request.AccountID, request.Type, request.Props, request.Status)
	if err != nil {
		return fmt.Errorf("failed to create syncback request: %w", err)
	}
	return nil
}

const syncbackColumns = `id, account_id, type, props, status, error, response, created_at, updated_at`

func scanSyncbackRequest(row pgx.Row) (*models.SyncbackRequest, error) {
	var request models.SyncbackRequest
	var props, response []byte
	var errText *string
	if err := row.Scan(
		&request.ID,
		&request.AccountID,
		&request.Type,
		&props,
		&request.Status,
		&errText,
		&response,
		&request.CreatedAt,
		&request.UpdatedAt,
	); err != nil {
		return nil, err
	}
	request.Props = json.RawMessage(props)
	if len(response) > 0 {
		request.Response = json.RawMessage(response)
	}
	if errText != nil {
		request.Error = *errText
	}
	return &request, nil
}

// GetSyncbackRequest loads one request by id.
func GetSyncbackRequest(ctx context.Context, pool *pgxpool.Pool, requestID string) (*models.SyncbackRequest, error) {
	row := pool.QueryRow(ctx, `SELECT `+syncbackColumns+` FROM syncback_requests WHERE id = $1`, requestID)
	request, err := scanSyncbackRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSyncbackRequestNotFound
		}
		return nil, fmt.Errorf("failed to get syncback request: %w", err)
	}
	return request, nil
}

// GetNewSyncbackRequests returns pending requests for an account, oldest
// first.
func GetNewSyncbackRequests(ctx context.Context, pool *pgxpool.Pool, accountID string) ([]*models.SyncbackRequest, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+syncbackColumns+`
		FROM syncback_requests
		WHERE account_id = $1 AND status = $2
		ORDER BY created_at
	`, accountID, models.SyncbackNew)
	if err != nil {
		return nil, fmt.Errorf("failed to get new syncback requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.SyncbackRequest
	for rows.Next() {
		request, err := scanSyncbackRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan syncback request: %w", err)
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

// ResolveSyncbackRequest writes the terminal status of a request. The
// status transition NEW to SUCCEEDED/FAILED happens exactly once; a request
// already resolved is left untouched.
func ResolveSyncbackRequest(ctx context.Context, pool *pgxpool.Pool, requestID string, status models.SyncbackStatus, response json.RawMessage, taskErr string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE syncback_requests
		SET status = $2, response = $3, error = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, requestID, status, response, taskErr, models.SyncbackNew)
	if err != nil {
		return fmt.Errorf("failed to resolve syncback request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("syncback request %s already resolved", requestID)
	}
	return nil
}
