package sync

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
)

type recordingNotifier struct {
	cycleComplete []string
	syncErrors    []string
}

func (n *recordingNotifier) NotifyNewMail(accountID, folder string) {}
func (n *recordingNotifier) NotifySyncError(accountID, message string) {
	n.syncErrors = append(n.syncErrors, message)
}
func (n *recordingNotifier) NotifyCycleComplete(accountID string) {
	n.cycleComplete = append(n.cycleComplete, accountID)
}

func TestWorkerRunCycle(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	server := testutil.NewTestIMAPServer(t)
	defer server.Close()
	server.EnsureINBOX(t)
	uid := server.AddMessage(t, "INBOX", "<cycle-1@example.com>", "Cycle test", "alice@example.com", "bob@example.com", time.Now())

	host, portStr, err := net.SplitHostPort(server.Address)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	encryptor := testutil.GetTestEncryptor(t)
	encrypted, err := encryptor.EncryptCredentials(models.Credentials{
		Username: server.Username(),
		Password: server.Password(),
	})
	require.NoError(t, err)

	account := &models.Account{
		ID:           "acct-1",
		EmailAddress: "user@example.com",
		Provider:     models.ProviderIMAP,
		Settings: models.ConnectionSettings{
			IMAPHost: host,
			IMAPPort: port,
		},
		EncryptedCredentials: encrypted,
		SyncPolicy:           models.SyncPolicy{ActiveIntervalSeconds: 45},
		SyncHealth:           models.SyncHealthRunning,
	}
	require.NoError(t, store.SaveAccount(ctx, pool, account))

	notifier := &recordingNotifier{}
	worker := NewWorker(pool, engineConfig(), encryptor, account.ID, nil, notifier)
	worker.processor.Start(ctx)
	defer worker.processor.Stop()
	defer func() {
		if worker.conn != nil {
			worker.conn.End()
		}
	}()

	delay, err := worker.runCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, delay, "account policy wins over the default interval")
	assert.Equal(t, []string{account.ID}, notifier.cycleComplete)

	inboxID := models.CategoryID(account.ID, "INBOX")
	msg, err := store.GetMessageByFolderUID(ctx, pool, inboxID, uid)
	require.NoError(t, err)
	assert.Equal(t, "Cycle test", msg.Subject)

	loaded, err := store.GetAccount(ctx, pool, account.ID)
	require.NoError(t, err)
	assert.NotNil(t, loaded.FirstSyncCompletedAt)
	assert.Len(t, loaded.LastSyncCompletions, 1)
}

func TestWorkerRunCycleReturnsImmediatelyWhileBackfilling(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	server := testutil.NewTestIMAPServer(t)
	defer server.Close()
	server.EnsureINBOX(t)
	for i := 0; i < 4; i++ {
		server.AddMessage(t, "INBOX", fmt.Sprintf("<backfill-%d@example.com>", i), "Old mail", "alice@example.com", "bob@example.com", time.Now())
	}

	host, portStr, err := net.SplitHostPort(server.Address)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	encryptor := testutil.GetTestEncryptor(t)
	encrypted, err := encryptor.EncryptCredentials(models.Credentials{
		Username: server.Username(),
		Password: server.Password(),
	})
	require.NoError(t, err)

	account := &models.Account{
		ID:                   "acct-1",
		EmailAddress:         "user@example.com",
		Provider:             models.ProviderIMAP,
		Settings:             models.ConnectionSettings{IMAPHost: host, IMAPPort: port},
		EncryptedCredentials: encrypted,
		SyncHealth:           models.SyncHealthRunning,
	}
	require.NoError(t, store.SaveAccount(ctx, pool, account))

	// A tiny initial batch leaves older mail below the low watermark after
	// the first pass.
	cfg := engineConfig()
	cfg.InitialBatchSize = 2

	worker := NewWorker(pool, cfg, encryptor, account.ID, nil, nil)
	worker.processor.Start(ctx)
	defer worker.processor.Stop()
	defer func() {
		if worker.conn != nil {
			worker.conn.End()
		}
	}()

	delay, err := worker.runCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, delay, "older mail still pending, the next cycle runs immediately")

	inbox, err := store.GetCategory(ctx, pool, models.CategoryID(account.ID, "INBOX"))
	require.NoError(t, err)
	assert.Greater(t, inbox.SyncState.FetchedMin, uint32(1))

	delay, err = worker.runCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.ActiveSyncInterval, delay, "backfill finished, normal cadence resumes")
}

func TestWorkerRunCycleStopsWhenAccountGone(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	worker := NewWorker(pool, engineConfig(), testutil.GetTestEncryptor(t), "missing-account", nil, nil)
	worker.processor.Start(ctx)
	defer worker.processor.Stop()

	_, err := worker.runCycle(ctx)
	assert.ErrorIs(t, err, errAccountGone)
}

func TestWorkerRecordsAuthFailure(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	host, portStr, err := net.SplitHostPort(server.Address)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	encryptor := testutil.GetTestEncryptor(t)
	encrypted, err := encryptor.EncryptCredentials(models.Credentials{Username: "wrong", Password: "wrong"})
	require.NoError(t, err)

	account := &models.Account{
		ID:                   "acct-1",
		EmailAddress:         "user@example.com",
		Provider:             models.ProviderIMAP,
		Settings:             models.ConnectionSettings{IMAPHost: host, IMAPPort: port},
		EncryptedCredentials: encrypted,
		SyncHealth:           models.SyncHealthRunning,
	}
	require.NoError(t, store.SaveAccount(ctx, pool, account))

	worker := NewWorker(pool, engineConfig(), encryptor, account.ID, nil, nil)
	worker.processor.Start(ctx)
	defer worker.processor.Stop()

	_, err = worker.runCycle(ctx)
	assert.ErrorIs(t, err, errAuthFailed)

	loaded, err := store.GetAccount(ctx, pool, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncHealthAuthFailed, loaded.SyncHealth)
	assert.NotEmpty(t, loaded.SyncError)
}
