package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// SaveFile records an attachment. Files are immutable, so a conflicting
// insert is a no-op.
func SaveFile(ctx context.Context, pool *pgxpool.Pool, file *models.File) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO files (id, account_id, message_id, part_id, filename, content_type, content_id, encoding, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`,
		file.ID,
		file.AccountID,
		file.MessageID,
		file.PartID,
		file.Filename,
		file.ContentType,
		file.ContentID,
		file.Encoding,
		file.Size,
	)
	if err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

// GetFilesForMessage returns a message's attachments.
func GetFilesForMessage(ctx context.Context, pool *pgxpool.Pool, messageID string) ([]*models.File, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, account_id, message_id, part_id, filename, content_type, content_id, encoding, size, created_at
		FROM files
		WHERE message_id = $1
		ORDER BY part_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get files: %w", err)
	}
	defer rows.Close()

	var files []*models.File
	for rows.Next() {
		var file models.File
		if err := rows.Scan(
			&file.ID,
			&file.AccountID,
			&file.MessageID,
			&file.PartID,
			&file.Filename,
			&file.ContentType,
			&file.ContentID,
			&file.Encoding,
			&file.Size,
			&file.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, &file)
	}
	return files, rows.Err()
}
