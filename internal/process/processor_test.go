package process

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		ProcessorQueueDepth:  16,
		ThreadCandidateLimit: 10,
		MaxThreadLength:      500,
		SnippetLength:        100,
		SnippetMaxLength:     255,
	}
}

func seedProcessorFolder(t *testing.T, pool *pgxpool.Pool, accountID, name string) *models.Category {
	t.Helper()

	category := &models.Category{
		ID:        models.CategoryID(accountID, name),
		AccountID: accountID,
		Name:      name,
	}
	require.NoError(t, store.ReconcileCategories(context.Background(), pool, accountID, []*models.Category{category}, nil, nil))
	return category
}

func inboxRaw(folder *models.Category, uid uint32, messageID, subject, body string, flags ...string) *RawMessage {
	return &RawMessage{
		AccountID: "acct-1",
		Folder:    folder,
		UID:       uid,
		Header: rawHeader(
			"Message-ID: <"+messageID+">",
			"Date: Mon, 02 Jan 2006 15:04:05 -0700",
			"From: Alice <alice@example.com>",
			"To: bob@example.com",
			"Subject: "+subject,
		),
		Parts: []RawPart{{PartID: "1", ContentType: "text/plain", Body: []byte(body)}},
		Flags: flags,
	}
}

func TestProcessorPersistsNewMessage(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	seedThreadAccount(t, pool)
	folder := seedProcessorFolder(t, pool, "acct-1", "INBOX")

	processor := NewProcessor(pool, testSyncConfig())
	processor.Start(ctx)
	defer processor.Stop()

	raw := inboxRaw(folder, 7, "new@example.com", "Greetings", "Hello from the pipeline")
	expected, err := ParseMessage(raw, 100, 255)
	require.NoError(t, err)

	require.NoError(t, processor.Enqueue(ctx, raw))
	require.NoError(t, processor.Flush(ctx))

	msg, err := store.GetMessage(ctx, pool, expected.ID)
	require.NoError(t, err)
	assert.True(t, msg.Processed)
	assert.Equal(t, folder.ID, msg.FolderID)
	assert.Equal(t, uint32(7), msg.FolderUID)
	assert.Equal(t, "Hello from the pipeline", msg.Snippet)
	assert.Equal(t, models.ThreadIDForMessage(expected.ID), msg.ThreadID)

	thread, err := store.GetThread(ctx, pool, msg.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
	assert.Contains(t, thread.CategoryIDs, folder.ID)

	contacts, err := store.GetContacts(ctx, pool, "acct-1")
	require.NoError(t, err)
	assert.Len(t, contacts, 2, "sender and recipient are both recorded")
}

func TestProcessorIsIdempotentForReFetchedMessages(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	seedThreadAccount(t, pool)
	folder := seedProcessorFolder(t, pool, "acct-1", "INBOX")

	processor := NewProcessor(pool, testSyncConfig())
	processor.Start(ctx)
	defer processor.Stop()

	raw := inboxRaw(folder, 7, "dup@example.com", "Once", "Same message twice")
	require.NoError(t, processor.Enqueue(ctx, raw))
	require.NoError(t, processor.Flush(ctx))
	require.NoError(t, processor.Enqueue(ctx, raw))
	require.NoError(t, processor.Flush(ctx))

	expected, err := ParseMessage(raw, 100, 255)
	require.NoError(t, err)
	thread, err := store.GetThread(ctx, pool, models.ThreadIDForMessage(expected.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount, "a re-fetch must not double count")
}

func TestProcessorFlagChangeAdjustsThreadCounters(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	seedThreadAccount(t, pool)
	folder := seedProcessorFolder(t, pool, "acct-1", "INBOX")

	processor := NewProcessor(pool, testSyncConfig())
	processor.Start(ctx)
	defer processor.Stop()

	unread := inboxRaw(folder, 9, "flags@example.com", "Flags", "body")
	require.NoError(t, processor.Enqueue(ctx, unread))
	require.NoError(t, processor.Flush(ctx))

	read := inboxRaw(folder, 9, "flags@example.com", "Flags", "body", "\\Seen")
	require.NoError(t, processor.Enqueue(ctx, read))
	require.NoError(t, processor.Flush(ctx))

	expected, err := ParseMessage(unread, 100, 255)
	require.NoError(t, err)
	msg, err := store.GetMessage(ctx, pool, expected.ID)
	require.NoError(t, err)
	assert.True(t, msg.IsRead)

	thread, err := store.GetThread(ctx, pool, msg.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 0, thread.UnreadCount)
}

func TestProcessorContainsPerMessageFailures(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	seedThreadAccount(t, pool)
	folder := seedProcessorFolder(t, pool, "acct-1", "INBOX")

	processor := NewProcessor(pool, testSyncConfig())
	processor.Start(ctx)
	defer processor.Stop()

	broken := inboxRaw(folder, 13, "broken@example.com", "Broken", "ignored")
	broken.Parts = []RawPart{{PartID: "1", ContentType: "text/plain", Encoding: "base64", Body: []byte("!!!not base64!!!")}}
	healthy := inboxRaw(folder, 14, "healthy@example.com", "Healthy", "still fine")

	require.NoError(t, processor.Enqueue(ctx, broken))
	require.NoError(t, processor.Enqueue(ctx, healthy))
	require.NoError(t, processor.Flush(ctx))

	failed := processor.TakeFailedUIDs(folder.ID)
	assert.Contains(t, failed, uint32(13))
	assert.Empty(t, processor.TakeFailedUIDs(folder.ID), "taking the failed uids drains them")

	expected, err := ParseMessage(healthy, 100, 255)
	require.NoError(t, err)
	msg, err := store.GetMessage(ctx, pool, expected.ID)
	require.NoError(t, err)
	assert.True(t, msg.Processed, "one bad message must not block the batch")
}
