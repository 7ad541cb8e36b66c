package syncback

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/send"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
)

func taskConfig() config.SyncConfig {
	return config.SyncConfig{
		SnippetLength:    100,
		SnippetMaxLength: 255,
	}
}

type taskFixture struct {
	pool       *pgxpool.Pool
	server     *testutil.TestIMAPServer
	conn       *imap.Connection
	account    *models.Account
	env        *Env
	inbox      *models.Category
	archive    *models.Category
	sent       *models.Category
	categories []*models.Category
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	ctx := context.Background()

	pool := testutil.NewTestDB(t)

	server := testutil.NewTestIMAPServer(t)
	t.Cleanup(server.Close)
	server.EnsureINBOX(t)

	client, cleanup := server.Connect(t)
	require.NoError(t, client.Create("Archive"))
	require.NoError(t, client.Create("Sent"))
	cleanup()

	host, portStr, err := net.SplitHostPort(server.Address)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	account := &models.Account{
		ID:           "acct-sb",
		EmailAddress: "user@example.com",
		Provider:     models.ProviderIMAP,
		Settings:     models.ConnectionSettings{IMAPHost: host, IMAPPort: port},
		SyncHealth:   models.SyncHealthRunning,
	}
	require.NoError(t, store.SaveAccount(ctx, pool, account))

	inbox := &models.Category{
		ID:        models.CategoryID(account.ID, "INBOX"),
		AccountID: account.ID,
		Name:      "INBOX",
		Role:      models.RoleInbox,
	}
	archive := &models.Category{
		ID:        models.CategoryID(account.ID, "Archive"),
		AccountID: account.ID,
		Name:      "Archive",
	}
	sent := &models.Category{
		ID:        models.CategoryID(account.ID, "Sent"),
		AccountID: account.ID,
		Name:      "Sent",
		Role:      models.RoleSent,
	}
	categories := []*models.Category{inbox, archive, sent}
	require.NoError(t, store.ReconcileCategories(ctx, pool, account.ID, categories, nil, nil))

	conn := imap.NewConnection(imap.Options{
		Addr: server.Address,
		Auth: imap.Auth{Username: server.Username(), Password: server.Password()},
	})
	require.NoError(t, conn.Connect(ctx))
	t.Cleanup(conn.End)

	byID := make(map[string]*models.Category, len(categories))
	for _, cat := range categories {
		byID[cat.ID] = cat
	}
	env := &Env{
		Pool:       pool,
		Cfg:        taskConfig(),
		Conn:       conn,
		Account:    account,
		Creds:      models.Credentials{Username: server.Username(), Password: server.Password()},
		Categories: byID,
		Sender:     send.NewSender(),
	}

	return &taskFixture{
		pool:       pool,
		server:     server,
		conn:       conn,
		account:    account,
		env:        env,
		inbox:      inbox,
		archive:    archive,
		sent:       sent,
		categories: categories,
	}
}

// seedMessage appends a message to the server folder and mirrors it in the
// store, attached to its own single-message thread.
func (f *taskFixture) seedMessage(t *testing.T, category *models.Category, messageIDHeader, subject string) *models.Message {
	t.Helper()
	ctx := context.Background()

	uid := f.server.AddMessage(t, category.Name, messageIDHeader, subject, "alice@example.com", "bob@example.com", time.Now())

	msg := &models.Message{
		ID:              models.MessageID(models.MessageHashInput{MessageIDHeader: messageIDHeader, Subject: subject}),
		AccountID:       f.account.ID,
		FolderID:        category.ID,
		FolderUID:       uid,
		MessageIDHeader: messageIDHeader,
		Subject:         subject,
		From:            []models.Participant{{Email: "alice@example.com"}},
		To:              []models.Participant{{Email: "bob@example.com"}},
		Date:            time.Now().UTC(),
		IsRead:          true,
		Processed:       true,
	}
	msg.ThreadID = models.ThreadIDForMessage(msg.ID)

	thread := &models.Thread{
		ID:           msg.ThreadID,
		AccountID:    f.account.ID,
		Subject:      subject,
		MessageCount: 1,
	}
	require.NoError(t, store.SaveThread(ctx, f.pool, thread))
	require.NoError(t, store.SaveMessage(ctx, f.pool, msg))
	return msg
}

func runRequest(t *testing.T, f *taskFixture, requestType string, props any) (json.RawMessage, error) {
	t.Helper()

	raw, err := json.Marshal(props)
	require.NoError(t, err)
	task, err := TaskFor(&models.SyncbackRequest{Type: requestType, Props: raw})
	require.NoError(t, err)
	return task.Run(context.Background(), f.env)
}

func remoteFlags(t *testing.T, f *taskFixture, category *models.Category, uid uint32) []string {
	t.Helper()

	box, err := f.conn.OpenBox(context.Background(), category.Name, false)
	require.NoError(t, err)
	set := new(goimap.SeqSet)
	set.AddNum(uid)
	attrs, err := box.FetchUIDAttributes(context.Background(), set)
	require.NoError(t, err)
	return attrs[uid].Flags
}

func TestMarkMessageAsUnread(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	msg := f.seedMessage(t, f.inbox, "<unread-1@example.com>", "Mark me")

	_, err := runRequest(t, f, "MarkMessageAsUnread", map[string]string{"message_id": msg.ID})
	require.NoError(t, err)

	assert.NotContains(t, remoteFlags(t, f, f.inbox, msg.FolderUID), goimap.SeenFlag)

	reloaded, err := store.GetMessage(ctx, f.pool, msg.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsRead)

	thread, err := store.GetThread(ctx, f.pool, msg.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.UnreadCount)
}

func TestStarThreadFlagsEveryMember(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	msg := f.seedMessage(t, f.inbox, "<star-1@example.com>", "Star me")

	_, err := runRequest(t, f, "StarThread", map[string]string{"thread_id": msg.ThreadID})
	require.NoError(t, err)

	assert.Contains(t, remoteFlags(t, f, f.inbox, msg.FolderUID), goimap.FlaggedFlag)

	reloaded, err := store.GetMessage(ctx, f.pool, msg.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.IsStarred)

	thread, err := store.GetThread(ctx, f.pool, msg.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.StarredCount)
}

func TestMoveMessageToFolder(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	msg := f.seedMessage(t, f.inbox, "<move-1@example.com>", "Move me")

	_, err := runRequest(t, f, "MoveMessageToFolder", map[string]string{
		"message_id": msg.ID,
		"folder_id":  f.archive.ID,
	})
	require.NoError(t, err)

	archiveBox, err := f.conn.OpenBox(ctx, "Archive", false)
	require.NoError(t, err)
	uids, err := archiveBox.SearchHeader(ctx, "Message-Id", msg.MessageIDHeader)
	require.NoError(t, err)
	assert.Len(t, uids, 1, "message landed in the target folder")

	// The local row loses its UID anchor until the target folder is fetched.
	reloaded, err := store.GetMessage(ctx, f.pool, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, f.archive.ID, reloaded.FolderID)
	assert.Zero(t, reloaded.FolderUID)

	categoryIDs, err := store.GetThreadCategoryIDs(ctx, f.pool, msg.ThreadID)
	require.NoError(t, err)
	assert.Contains(t, categoryIDs, f.archive.ID)
}

func TestDeleteMessage(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	msg := f.seedMessage(t, f.inbox, "<del-1@example.com>", "Delete me")

	_, err := runRequest(t, f, "DeleteMessage", map[string]string{"message_id": msg.ID})
	require.NoError(t, err)

	inboxBox, err := f.conn.OpenBox(ctx, "INBOX", false)
	require.NoError(t, err)
	uids, err := inboxBox.SearchHeader(ctx, "Message-Id", msg.MessageIDHeader)
	require.NoError(t, err)
	assert.Empty(t, uids, "message expunged remotely")

	_, err = store.GetMessage(ctx, f.pool, msg.ID)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)
}

func TestSetMessageLabelsRequiresGmail(t *testing.T) {
	f := newTaskFixture(t)
	msg := f.seedMessage(t, f.inbox, "<label-1@example.com>", "Label me")

	_, err := runRequest(t, f, "SetMessageLabels", map[string]any{
		"message_id": msg.ID,
		"label_ids":  []string{f.archive.ID},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labels require a gmail account")
}

func TestCreateAndRenameCategory(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	response, err := runRequest(t, f, "CreateCategory", map[string]any{
		"display_name": "Receipts",
	})
	require.NoError(t, err)

	var created map[string]string
	require.NoError(t, json.Unmarshal(response, &created))
	category, err := store.GetCategory(ctx, f.pool, created["category_id"])
	require.NoError(t, err)
	assert.Equal(t, "Receipts", category.Name)

	// The rename goes through the category set the cycle started with.
	f.env.Categories[category.ID] = category
	_, err = runRequest(t, f, "RenameFolder", map[string]any{
		"object_id":    category.ID,
		"display_name": "Paperwork",
	})
	require.NoError(t, err)

	renamed, err := store.GetCategory(ctx, f.pool, category.ID)
	require.NoError(t, err)
	assert.Equal(t, "Paperwork", renamed.Name)

	boxes, err := f.conn.ListBoxes(ctx)
	require.NoError(t, err)
	var names []string
	for _, box := range boxes {
		names = append(names, box.Name)
	}
	assert.Contains(t, names, "Paperwork")
	assert.NotContains(t, names, "Receipts")
}

func TestSendMessageDeliversAndFilesCopy(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	smtpServer := testutil.NewTestSMTPServer(t)
	t.Cleanup(smtpServer.Close)
	host, portStr, err := net.SplitHostPort(smtpServer.Address)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	f.account.Settings.SMTPHost = host
	f.account.Settings.SMTPPort = port
	f.env.Creds = models.Credentials{Username: smtpServer.Username(), Password: smtpServer.Password()}

	response, err := runRequest(t, f, "SendMessage", map[string]any{
		"message": send.Outgoing{
			From:     models.Participant{Name: "Alice", Email: "alice@example.com"},
			To:       []models.Participant{{Email: "bob@example.com"}},
			Subject:  "Hello",
			TextBody: "Plain body.",
			HTMLBody: "<p>Plain body.</p>",
		},
	})
	require.NoError(t, err)

	delivered := smtpServer.GetMessages()
	require.Len(t, delivered, 1)
	assert.Equal(t, "alice@example.com", delivered[0].From)
	assert.Equal(t, []string{"bob@example.com"}, delivered[0].To)

	var saved map[string]string
	require.NoError(t, json.Unmarshal(response, &saved))
	msg, err := store.GetMessage(ctx, f.pool, saved["message_id"])
	require.NoError(t, err)
	assert.True(t, msg.IsSent)
	assert.True(t, msg.IsRead)
	assert.Equal(t, "Hello", msg.Subject)
	assert.Equal(t, "Plain body.", msg.Snippet)

	sentBox, err := f.conn.OpenBox(ctx, "Sent", false)
	require.NoError(t, err)
	uids, err := sentBox.SearchHeader(ctx, "Message-Id", saved["message_id_header"])
	require.NoError(t, err)
	assert.Len(t, uids, 1, "sent copy filed for a non-gmail account")
}

func TestSelectBatchSerializesUIDTasks(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	msg := f.seedMessage(t, f.inbox, "<batch-1@example.com>", "Contended")

	queue := []struct {
		requestType string
		props       any
	}{
		{"MarkMessageAsRead", map[string]string{"message_id": msg.ID}},
		{"MoveMessageToFolder", map[string]string{"message_id": msg.ID, "folder_id": f.archive.ID}},
		{"MoveThreadToFolder", map[string]string{"thread_id": msg.ThreadID, "folder_id": f.inbox.ID}},
		{"RenameFolder", map[string]any{"object_id": f.archive.ID, "display_name": "Archived"}},
		{"DeleteFolder", map[string]any{"object_id": f.archive.ID}},
		{"RenameLabel", map[string]any{"object_id": f.archive.ID, "display_name": "Archived"}},
	}

	var pending []Pending
	for i, item := range queue {
		raw, err := json.Marshal(item.props)
		require.NoError(t, err)
		request := &models.SyncbackRequest{ID: "req-" + strconv.Itoa(i), Type: item.requestType, Props: raw}
		task, err := TaskFor(request)
		require.NoError(t, err)
		pending = append(pending, Pending{Request: request, Task: task})
	}

	run, deferred, err := SelectBatch(ctx, f.pool, pending)
	require.NoError(t, err)

	kinds := func(batch []Pending) []string {
		var out []string
		for _, p := range batch {
			out = append(out, p.Task.Kind())
		}
		return out
	}
	assert.Equal(t, []string{"MarkMessageAsRead", "MoveMessageToFolder", "RenameFolder", "RenameLabel"}, kinds(run))
	assert.Equal(t, []string{"MoveThreadToFolder", "DeleteFolder"}, kinds(deferred),
		"thread move loses to the message move; the second folder task waits")
}

func TestRunnerResolvesRequests(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	msg := f.seedMessage(t, f.inbox, "<runner-1@example.com>", "Queued")

	encryptor := testutil.GetTestEncryptor(t)
	var err error
	f.account.EncryptedCredentials, err = encryptor.EncryptCredentials(f.env.Creds)
	require.NoError(t, err)
	require.NoError(t, store.SaveAccount(ctx, f.pool, f.account))

	props, err := json.Marshal(map[string]string{"message_id": msg.ID})
	require.NoError(t, err)
	good := &models.SyncbackRequest{ID: "req-good", AccountID: f.account.ID, Type: "MarkMessageAsUnread", Props: props}
	require.NoError(t, store.CreateSyncbackRequest(ctx, f.pool, good))
	bad := &models.SyncbackRequest{ID: "req-bad", AccountID: f.account.ID, Type: "Frobnicate", Props: json.RawMessage(`{}`)}
	require.NoError(t, store.CreateSyncbackRequest(ctx, f.pool, bad))

	runner := NewRunner(f.pool, taskConfig(), encryptor, send.NewSender())
	require.NoError(t, runner.RunPending(ctx, f.conn, f.account, f.categories))

	resolved, err := store.GetSyncbackRequest(ctx, f.pool, good.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncbackSucceeded, resolved.Status)

	reloaded, err := store.GetMessage(ctx, f.pool, msg.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsRead)

	failed, err := store.GetSyncbackRequest(ctx, f.pool, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncbackFailed, failed.Status)
	assert.Contains(t, failed.Error, "unknown syncback task type")
}

func TestRunnerRemoteFailureLeavesLocalStateUntouched(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	msg := f.seedMessage(t, f.inbox, "<fail-1@example.com>", "Unreachable")

	// Point the message at a folder that does not exist on the server, so
	// the remote store fails before any local write.
	ghost := &models.Category{
		ID:        models.CategoryID(f.account.ID, "Ghost"),
		AccountID: f.account.ID,
		Name:      "Ghost",
	}
	require.NoError(t, store.ReconcileCategories(ctx, f.pool, f.account.ID, []*models.Category{ghost}, nil, nil))
	require.NoError(t, store.SetMessageFolder(ctx, f.pool, msg.ID, ghost.ID, msg.FolderUID))
	f.env.Categories[ghost.ID] = ghost
	f.categories = append(f.categories, ghost)

	encryptor := testutil.GetTestEncryptor(t)
	var err error
	f.account.EncryptedCredentials, err = encryptor.EncryptCredentials(f.env.Creds)
	require.NoError(t, err)
	require.NoError(t, store.SaveAccount(ctx, f.pool, f.account))

	props, err := json.Marshal(map[string]string{"message_id": msg.ID})
	require.NoError(t, err)
	request := &models.SyncbackRequest{ID: "req-star", AccountID: f.account.ID, Type: "StarMessage", Props: props}
	require.NoError(t, store.CreateSyncbackRequest(ctx, f.pool, request))

	runner := NewRunner(f.pool, taskConfig(), encryptor, send.NewSender())
	require.NoError(t, runner.RunPending(ctx, f.conn, f.account, f.categories))

	resolved, err := store.GetSyncbackRequest(ctx, f.pool, request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncbackFailed, resolved.Status)
	assert.NotEmpty(t, resolved.Error)

	reloaded, err := store.GetMessage(ctx, f.pool, msg.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsStarred, "local flag untouched after remote failure")
}
