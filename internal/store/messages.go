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

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

func marshalParticipants(ps []models.Participant) ([]byte, error) {
	if ps == nil {
		ps = []models.Participant{}
	}
	return json.Marshal(ps)
}

// SaveMessage inserts or updates a message keyed by its deterministic id.
// Re-processing a known message updates mutable fields in place instead of
// duplicating the row.
func SaveMessage(ctx context.Context, pool *pgxpool.Pool, message *models.Message) error {
	from, err := marshalParticipants(message.From)
	if err != nil {
		return fmt.Errorf("failed to marshal from: %w", err)
	}
	to, err := marshalParticipants(message.To)
	if err != nil {
		return fmt.Errorf("failed to marshal to: %w", err)
	}
	cc, err := marshalParticipants(message.CC)
	if err != nil {
		return fmt.Errorf("failed to marshal cc: %w", err)
	}
	bcc, err := marshalParticipants(message.BCC)
	if err != nil {
		return fmt.Errorf("failed to marshal bcc: %w", err)
	}
	replyTo, err := marshalParticipants(message.ReplyTo)
	if err != nil {
		return fmt.Errorf("failed to marshal reply-to: %w", err)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO messages (
			id,
			account_id,
			thread_id,
			folder_id,
			folder_uid,
			message_id_header,
			subject,
			from_participants,
			to_participants,
			cc_participants,
			bcc_participants,
			reply_to_participants,
			in_reply_to,
			"references",
			date,
			body_html,
			snippet,
			is_read,
			is_starred,
			is_draft,
			is_sent,
			is_sending,
			remote_thread_id,
			label_fingerprint,
			processed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			folder_id = EXCLUDED.folder_id,
			folder_uid = EXCLUDED.folder_uid,
			subject = EXCLUDED.subject,
			body_html = COALESCE(NULLIF(EXCLUDED.body_html, ''), messages.body_html),
			snippet = COALESCE(NULLIF(EXCLUDED.snippet, ''), messages.snippet),
			is_read = EXCLUDED.is_read,
			is_starred = EXCLUDED.is_starred,
			is_draft = EXCLUDED.is_draft,
			is_sent = EXCLUDED.is_sent,
			is_sending = EXCLUDED.is_sending,
			remote_thread_id = EXCLUDED.remote_thread_id,
			label_fingerprint = EXCLUDED.label_fingerprint,
			processed = EXCLUDED.processed,
			updated_at = NOW()
	`,
		message.ID,
		message.AccountID,
		nullIfEmpty(message.ThreadID),
		nullIfEmpty(message.FolderID),
		message.FolderUID,
		message.MessageIDHeader,
		message.Subject,
		from,
		to,
		cc,
		bcc,
		replyTo,
		message.InReplyTo,
		message.References,
		message.Date,
		message.BodyHTML,
		message.Snippet,
		message.IsRead,
		message.IsStarred,
		message.IsDraft,
		message.IsSent,
		message.IsSending,
		message.RemoteThreadID,
		message.LabelFingerprint,
		message.Processed,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const messageColumns = `
	id, account_id, COALESCE(thread_id, ''), COALESCE(folder_id, ''), folder_uid,
	message_id_header, subject,
	from_participants, to_participants, cc_participants, bcc_participants, reply_to_participants,
	in_reply_to, "references", date, body_html, snippet,
	is_read, is_starred, is_draft, is_sent, is_sending,
	remote_thread_id, label_fingerprint, processed, created_at, updated_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var from, to, cc, bcc, replyTo []byte
	if err := row.Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.ThreadID,
		&msg.FolderID,
		&msg.FolderUID,
		&msg.MessageIDHeader,
		&msg.Subject,
		&from,
		&to,
		&cc,
		&bcc,
		&replyTo,
		&msg.InReplyTo,
		&msg.References,
		&msg.Date,
		&msg.BodyHTML,
		&msg.Snippet,
		&msg.IsRead,
		&msg.IsStarred,
		&msg.IsDraft,
		&msg.IsSent,
		&msg.IsSending,
		&msg.RemoteThreadID,
		&msg.LabelFingerprint,
		&msg.Processed,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	pairs := []struct {
		raw []byte
		dst *[]models.Participant
	}{
		{from, &msg.From},
		{to, &msg.To},
		{cc, &msg.CC},
		{bcc, &msg.BCC},
		{replyTo, &msg.ReplyTo},
	}
	for _, p := range pairs {
		if len(p.raw) > 0 {
			if err := json.Unmarshal(p.raw, p.dst); err != nil {
				return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
			}
		}
	}
	return &msg, nil
}

// GetMessage loads one message by its deterministic id.
func GetMessage(ctx context.Context, pool *pgxpool.Pool, messageID string) (*models.Message, error) {
	row := pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetMessagesForThread returns all messages of a thread, oldest first.
func GetMessagesForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY date
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// GetFetchedUIDs returns the UIDs currently anchored to a folder, ascending.
func GetFetchedUIDs(ctx context.Context, pool *pgxpool.Pool, folderID string) ([]uint32, error) {
	rows, err := pool.Query(ctx, `
		SELECT folder_uid FROM messages WHERE folder_id = $1 AND folder_uid > 0 ORDER BY folder_uid
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get fetched UIDs: %w", err)
	}
	defer rows.Close()

	var uids []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan UID: %w", err)
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// FlagUpdate is one scan-detected flag/label change.
type FlagUpdate struct {
	IsRead           bool
	IsStarred        bool
	LabelFingerprint string
	LabelIDs         []string
}

// GetMessageByFolderUID loads the message anchored at a folder/UID pair.
func GetMessageByFolderUID(ctx context.Context, pool *pgxpool.Pool, folderID string, uid uint32) (*models.Message, error) {
	row := pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE folder_id = $1 AND folder_uid = $2
	`, folderID, uid)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message by folder UID: %w", err)
	}
	return msg, nil
}

// ApplyFlagUpdate writes a scan-detected change and replaces the message's
// label associations.
func ApplyFlagUpdate(ctx context.Context, pool *pgxpool.Pool, messageID string, update FlagUpdate) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE messages
		SET is_read = $2, is_starred = $3, label_fingerprint = $4, updated_at = NOW()
		WHERE id = $1
	`, messageID, update.IsRead, update.IsStarred, update.LabelFingerprint)
	if err != nil {
		return fmt.Errorf("failed to apply flag update: %w", err)
	}

	if err := replaceMessageLabelsTx(ctx, tx, messageID, update.LabelIDs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit flag update: %w", err)
	}
	return nil
}

// ReplaceMessageLabels replaces the label set attached to a message.
func ReplaceMessageLabels(ctx context.Context, pool *pgxpool.Pool, messageID string, labelIDs []string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := replaceMessageLabelsTx(ctx, tx, messageID, labelIDs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit label replacement: %w", err)
	}
	return nil
}

func replaceMessageLabelsTx(ctx context.Context, tx pgx.Tx, messageID string, labelIDs []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM message_labels WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("failed to clear message labels: %w", err)
	}
	for _, labelID := range labelIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO message_labels (message_id, category_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, messageID, labelID); err != nil {
			return fmt.Errorf("failed to attach label %s: %w", labelID, err)
		}
	}
	return nil
}

// GetMessageLabelIDs returns the label category ids attached to a message.
func GetMessageLabelIDs(ctx context.Context, pool *pgxpool.Pool, messageID string) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT category_id FROM message_labels WHERE message_id = $1 ORDER BY category_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message labels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan label id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DetachMessagesByUIDs clears the folder anchor off messages whose UIDs
// disappeared from the remote folder. Content is preserved.
func DetachMessagesByUIDs(ctx context.Context, pool *pgxpool.Pool, folderID string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	_, err := pool.Exec(ctx, `
		UPDATE messages SET folder_id = NULL, folder_uid = 0, updated_at = NOW()
		WHERE folder_id = $1 AND folder_uid = ANY($2)
	`, folderID, uids)
	if err != nil {
		return fmt.Errorf("failed to detach messages by UIDs: %w", err)
	}
	return nil
}

// SetMessageFolder re-anchors a message after a move or send.
func SetMessageFolder(ctx context.Context, pool *pgxpool.Pool, messageID, folderID string, uid uint32) error {
	_, err := pool.Exec(ctx, `
		UPDATE messages SET folder_id = $2, folder_uid = $3, updated_at = NOW() WHERE id = $1
	`, messageID, nullIfEmpty(folderID), uid)
	if err != nil {
		return fmt.Errorf("failed to set message folder: %w", err)
	}
	return nil
}

// SetMessageFlags updates the local read/starred flags.
func SetMessageFlags(ctx context.Context, pool *pgxpool.Pool, messageID string, isRead, isStarred bool) error {
	_, err := pool.Exec(ctx, `
		UPDATE messages SET is_read = $2, is_starred = $3, updated_at = NOW() WHERE id = $1
	`, messageID, isRead, isStarred)
	if err != nil {
		return fmt.Errorf("failed to set message flags: %w", err)
	}
	return nil
}

// DeleteMessage removes a message row entirely.
func DeleteMessage(ctx context.Context, pool *pgxpool.Pool, messageID string) error {
	_, err := pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// PurgeOrphanedMessages deletes messages with no folder anchor that are
// neither sent nor in the middle of being sent.
func PurgeOrphanedMessages(ctx context.Context, pool *pgxpool.Pool, accountID string) (int64, error) {
	tag, err := pool.Exec(ctx, `
		DELETE FROM messages
		WHERE account_id = $1 AND folder_id IS NULL AND NOT is_sent AND NOT is_sending
	`, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge orphaned messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
