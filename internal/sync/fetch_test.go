package sync

import (
	"context"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/process"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
)

func engineConfig() config.SyncConfig {
	return config.SyncConfig{
		InitialBatchSize:     100,
		IncrementalBatchSize: 200,
		ShallowScanWindow:    1000,
		DeepScanInterval:     time.Hour,
		ProcessorQueueDepth:  32,
		ThreadCandidateLimit: 10,
		MaxThreadLength:      500,
		SnippetLength:        100,
		SnippetMaxLength:     255,
		CompletionWindow:     30 * time.Minute,
		ActiveSyncInterval:   30 * time.Second,
		RetryBackoff:         time.Second,
	}
}

func seedSyncAccount(t *testing.T, pool *pgxpool.Pool) *models.Account {
	t.Helper()

	account := &models.Account{
		ID:           "acct-1",
		EmailAddress: "user@example.com",
		Provider:     models.ProviderIMAP,
		SyncHealth:   models.SyncHealthRunning,
	}
	require.NoError(t, store.SaveAccount(context.Background(), pool, account))
	return account
}

type engineFixture struct {
	pool      *pgxpool.Pool
	server    *testutil.TestIMAPServer
	account   *models.Account
	engine    *FetchEngine
	processor *process.Processor
	inbox     *models.Category
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()

	pool := testutil.NewTestDB(t)
	account := seedSyncAccount(t, pool)

	server := testutil.NewTestIMAPServer(t)
	t.Cleanup(server.Close)
	server.EnsureINBOX(t)

	conn := connectTestServer(t, server)
	categories, err := ReconcileFolders(ctx, pool, conn, account)
	require.NoError(t, err)

	var inbox *models.Category
	for _, cat := range categories {
		if cat.Role == models.RoleInbox {
			inbox = cat
		}
	}
	require.NotNil(t, inbox)

	processor := process.NewProcessor(pool, engineConfig())
	processor.Start(ctx)
	t.Cleanup(processor.Stop)

	engine := NewFetchEngine(pool, conn, processor, engineConfig(), account)
	engine.SetCategories(categories)

	return &engineFixture{
		pool:      pool,
		server:    server,
		account:   account,
		engine:    engine,
		processor: processor,
		inbox:     inbox,
	}
}

func TestSyncFolderFetchesNewMessages(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	uid := f.server.AddMessage(t, "INBOX", "<fetch-1@example.com>", "Fetched subject", "alice@example.com", "bob@example.com", time.Now())

	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))

	msg, err := store.GetMessageByFolderUID(ctx, f.pool, f.inbox.ID, uid)
	require.NoError(t, err)
	assert.Equal(t, "Fetched subject", msg.Subject)
	assert.True(t, msg.Processed)
	assert.NotEmpty(t, msg.ThreadID)
	assert.Equal(t, "Test message body.", msg.Snippet)

	reloaded, err := store.GetCategory(ctx, f.pool, f.inbox.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reloaded.SyncState.FetchedMax, uid, "high watermark covers the fetched uid")
	assert.NotZero(t, reloaded.SyncState.UIDValidity)
	assert.NotNil(t, reloaded.SyncState.TimeDeepScan)
}

func TestSyncFolderIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	uid := f.server.AddMessage(t, "INBOX", "<idem-1@example.com>", "Once only", "alice@example.com", "bob@example.com", time.Now())

	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))
	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))

	msg, err := store.GetMessageByFolderUID(ctx, f.pool, f.inbox.ID, uid)
	require.NoError(t, err)
	thread, err := store.GetThread(ctx, f.pool, msg.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
}

func TestSyncFolderScanAppliesFlagChange(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	uid := f.server.AddMessage(t, "INBOX", "<flags-1@example.com>", "Flag me", "alice@example.com", "bob@example.com", time.Now())
	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))

	msg, err := store.GetMessageByFolderUID(ctx, f.pool, f.inbox.ID, uid)
	require.NoError(t, err)
	require.True(t, msg.IsRead, "test helper appends with \\Seen")

	// Another client marks it unread.
	client, cleanup := f.server.Connect(t)
	_, err = client.Select("INBOX", false)
	require.NoError(t, err)
	set := new(goimap.SeqSet)
	set.AddNum(uid)
	require.NoError(t, client.UidStore(set, goimap.FormatFlagsOp(goimap.RemoveFlags, true), []interface{}{goimap.SeenFlag}, nil))
	cleanup()

	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))

	msg, err = store.GetMessageByFolderUID(ctx, f.pool, f.inbox.ID, uid)
	require.NoError(t, err)
	assert.False(t, msg.IsRead)

	thread, err := store.GetThread(ctx, f.pool, msg.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.UnreadCount)
}

func TestSyncFolderDetectsRemoteDeletion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	keepUID := f.server.AddMessage(t, "INBOX", "<keep@example.com>", "Keep", "alice@example.com", "bob@example.com", time.Now())
	goneUID := f.server.AddMessage(t, "INBOX", "<gone@example.com>", "Gone", "alice@example.com", "bob@example.com", time.Now())
	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))

	client, cleanup := f.server.Connect(t)
	_, err := client.Select("INBOX", false)
	require.NoError(t, err)
	set := new(goimap.SeqSet)
	set.AddNum(goneUID)
	require.NoError(t, client.UidStore(set, goimap.FormatFlagsOp(goimap.AddFlags, true), []interface{}{goimap.DeletedFlag}, nil))
	require.NoError(t, client.Expunge(nil))
	cleanup()

	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))

	_, err = store.GetMessageByFolderUID(ctx, f.pool, f.inbox.ID, goneUID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound, "deleted message is detached from the folder")
	_, err = store.GetMessageByFolderUID(ctx, f.pool, f.inbox.ID, keepUID)
	assert.NoError(t, err)

	purged, err := store.PurgeOrphanedMessages(ctx, f.pool, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestSyncFolderKeepsQuarantinedUIDsAcrossCycles(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	raw := "Message-ID: <poison@example.com>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Poison\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"!!!not base64!!!\r\n"
	poisonUID := f.server.AddRawMessage(t, "INBOX", "<poison@example.com>", raw)
	healthyUID := f.server.AddMessage(t, "INBOX", "<fine@example.com>", "Fine", "alice@example.com", "bob@example.com", time.Now())

	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))

	reloaded, err := store.GetCategory(ctx, f.pool, f.inbox.ID)
	require.NoError(t, err)
	assert.Contains(t, reloaded.SyncState.FailedUIDs, poisonUID, "end-of-folder save keeps the quarantine")
	assert.GreaterOrEqual(t, reloaded.SyncState.FetchedMax, poisonUID, "watermark advances past the bad uid")
	_, err = store.GetMessageByFolderUID(ctx, f.pool, f.inbox.ID, poisonUID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)

	_, err = store.GetMessageByFolderUID(ctx, f.pool, f.inbox.ID, healthyUID)
	assert.NoError(t, err)

	// The next cycle must skip the quarantined uid, not refetch it.
	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))

	reloaded, err = store.GetCategory(ctx, f.pool, f.inbox.ID)
	require.NoError(t, err)
	assert.Contains(t, reloaded.SyncState.FailedUIDs, poisonUID)
	_, err = store.GetMessageByFolderUID(ctx, f.pool, f.inbox.ID, poisonUID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)
}

func TestSyncFolderRecoversFromUIDValidityChange(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	uid := f.server.AddMessage(t, "INBOX", "<validity@example.com>", "Survivor", "alice@example.com", "bob@example.com", time.Now())
	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))
	realValidity := f.inbox.SyncState.UIDValidity

	// Simulate a server that renumbered the folder.
	f.inbox.SyncState.UIDValidity = realValidity + 1
	require.NoError(t, store.SaveSyncState(ctx, f.pool, f.inbox.ID, f.inbox.SyncState))

	require.NoError(t, f.engine.SyncFolder(ctx, f.inbox))

	assert.Equal(t, realValidity, f.inbox.SyncState.UIDValidity, "state resets to the server's validity")
	msg, err := store.GetMessageByFolderUID(ctx, f.pool, f.inbox.ID, uid)
	require.NoError(t, err)
	assert.Equal(t, "Survivor", msg.Subject, "message is re-fetched and re-attached")
}

func TestWatermarksOnlyWiden(t *testing.T) {
	state := models.SyncState{}
	state.AdvanceWatermarks(50, 100)
	assert.Equal(t, uint32(50), state.FetchedMin)
	assert.Equal(t, uint32(100), state.FetchedMax)

	state.AdvanceWatermarks(70, 80)
	assert.Equal(t, uint32(50), state.FetchedMin, "low watermark never rises")
	assert.Equal(t, uint32(100), state.FetchedMax, "high watermark never falls")

	state.AdvanceWatermarks(10, 150)
	assert.Equal(t, uint32(10), state.FetchedMin)
	assert.Equal(t, uint32(150), state.FetchedMax)
}

func TestFetchOrderFollowsRolePriority(t *testing.T) {
	categories := []*models.Category{
		{Name: "Z-Label"},
		{Name: "Spam", Role: models.RoleSpam},
		{Name: "Sent", Role: models.RoleSent},
		{Name: "INBOX", Role: models.RoleInbox},
		{Name: "All Mail", Role: models.RoleAll},
		{Name: "A-Label"},
	}

	var names []string
	for _, cat := range fetchOrder(categories) {
		names = append(names, cat.Name)
	}
	assert.Equal(t, []string{"INBOX", "All Mail", "Sent", "Spam", "A-Label", "Z-Label"}, names)
}
