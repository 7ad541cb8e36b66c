package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/process"
	"github.com/vdavid/mailsync/internal/store"
)

// Priority weights a sync request. High-priority requests interrupt a
// running cycle at the next folder boundary.
type Priority int

const (
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 10
)

// interruptThreshold is the accumulated priority weight at which a running
// cycle becomes interruptible.
const interruptThreshold = 10

// Folder fetch order within a cycle; unlisted roles and role-less folders
// come last.
var rolePriority = map[models.Role]int{
	models.RoleInbox:  0,
	models.RoleAll:    1,
	models.RoleDrafts: 2,
	models.RoleSent:   3,
	models.RoleTrash:  4,
	models.RoleSpam:   5,
}

// SyncbackRunner drains queued local mutations before a fetch pass.
type SyncbackRunner interface {
	RunPending(ctx context.Context, conn *imap.Connection, account *models.Account, categories []*models.Category) error
}

// Notifier publishes sync events to connected clients.
type Notifier interface {
	NotifyNewMail(accountID, folder string)
	NotifySyncError(accountID, message string)
	NotifyCycleComplete(accountID string)
}

var errAccountGone = errors.New("account deleted")
var errAuthFailed = errors.New("authentication failed")

// Worker owns the sync loop for a single account: one serialized IMAP
// connection, one processor pipeline, repeated cycles of syncback, folder
// reconciliation and fetching.
type Worker struct {
	pool      *pgxpool.Pool
	cfg       config.SyncConfig
	encryptor *crypto.Encryptor
	accountID string
	syncback  SyncbackRunner
	notifier  Notifier

	conn      *imap.Connection
	processor *process.Processor

	busyWeight atomic.Int64
	wake       chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	finished   chan struct{}
}

func NewWorker(pool *pgxpool.Pool, cfg config.SyncConfig, encryptor *crypto.Encryptor, accountID string, syncback SyncbackRunner, notifier Notifier) *Worker {
	return &Worker{
		pool:      pool,
		cfg:       cfg,
		encryptor: encryptor,
		accountID: accountID,
		syncback:  syncback,
		notifier:  notifier,
		processor: process.NewProcessor(pool, cfg),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// SyncNow requests an immediate cycle. The weight of pending requests
// accumulates; once it crosses the interrupt threshold the current cycle
// yields at its next folder boundary.
func (w *Worker) SyncNow(priority Priority) {
	w.busyWeight.Add(int64(priority))
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop asks the worker to exit after the current operation and waits for it.
// Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.finished
}

func (w *Worker) interruptible() bool {
	return w.busyWeight.Load() >= interruptThreshold
}

// Run executes sync cycles until the context ends, Stop is called, the
// account disappears, or authentication fails permanently.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.finished)

	w.processor.Start(ctx)
	defer w.processor.Stop()
	defer func() {
		if w.conn != nil {
			w.conn.End()
		}
	}()

	for {
		delay, err := w.runCycle(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, errAccountGone):
			log.Printf("Account %s deleted, stopping sync worker", w.accountID)
			return
		case errors.Is(err, errAuthFailed):
			log.Printf("Account %s failed authentication, stopping sync worker until re-auth", w.accountID)
			return
		case err != nil:
			log.Printf("Warning: sync cycle for account %s failed: %v", w.accountID, err)
		}

		if !w.waitForNext(ctx, delay) {
			return
		}
	}
}

// runCycle runs one full pass and returns the delay before the next one.
func (w *Worker) runCycle(ctx context.Context) (time.Duration, error) {
	w.busyWeight.Store(0)

	account, err := store.GetAccount(ctx, w.pool, w.accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return 0, errAccountGone
		}
		return w.cfg.RetryBackoff, err
	}

	if err := w.connect(ctx, account); err != nil {
		return w.classifyFailure(ctx, account, err)
	}

	if w.syncback != nil {
		categories, err := store.GetCategories(ctx, w.pool, account.ID)
		if err != nil {
			return w.classifyFailure(ctx, account, err)
		}
		if err := w.syncback.RunPending(ctx, w.conn, account, categories); err != nil {
			log.Printf("Warning: syncback pass for account %s failed: %v", account.ID, err)
		}
	}

	categories, err := ReconcileFolders(ctx, w.pool, w.conn, account)
	if err != nil {
		return w.classifyFailure(ctx, account, err)
	}

	engine := NewFetchEngine(w.pool, w.conn, w.processor, w.syncConfigFor(account), account)
	engine.SetCategories(categories)

	interrupted := false
	backfilling := false
	for _, folder := range fetchOrder(categories) {
		if w.interruptible() {
			log.Printf("Account %s: cycle interrupted at folder boundary", account.ID)
			interrupted = true
			break
		}
		if err := engine.SyncFolder(ctx, folder); err != nil {
			return w.classifyFailure(ctx, account, err)
		}
		// SyncFolder backfills one batch per cycle; a low watermark above 1
		// means older mail is still waiting.
		if folder.SyncState.FetchedMin > 1 {
			backfilling = true
		}
	}

	if err := w.processor.Flush(ctx); err != nil {
		return w.cfg.RetryBackoff, err
	}

	if !interrupted {
		if purged, err := store.PurgeOrphanedMessages(ctx, w.pool, account.ID); err != nil {
			log.Printf("Warning: failed to purge orphaned messages for account %s: %v", account.ID, err)
		} else if purged > 0 {
			log.Printf("Account %s: purged %d orphaned messages", account.ID, purged)
		}

		if err := store.RecordSyncCompletion(ctx, w.pool, account, time.Now().UTC(), w.cfg.CompletionWindow); err != nil {
			log.Printf("Warning: failed to record sync completion for account %s: %v", account.ID, err)
		}
		if w.notifier != nil {
			w.notifier.NotifyCycleComplete(account.ID)
		}
	}

	w.openIdleBox(ctx, categories)

	if interrupted || backfilling {
		return 0, nil
	}
	return w.intervalFor(account), nil
}

// connect builds the IMAP session from the account's decrypted credentials.
// Reconnecting after a settings change gets a fresh Connection.
func (w *Worker) connect(ctx context.Context, account *models.Account) error {
	if w.conn != nil && w.conn.Connected() {
		return nil
	}

	auth, err := w.decryptAuth(account)
	if err != nil {
		return err
	}

	w.conn = imap.NewConnection(imap.Options{
		Addr:   fmt.Sprintf("%s:%d", account.Settings.IMAPHost, account.Settings.IMAPPort),
		UseTLS: account.Settings.UseTLS,
		Auth:   auth,
	})
	return w.conn.Connect(ctx)
}

func (w *Worker) decryptAuth(account *models.Account) (imap.Auth, error) {
	creds, err := w.encryptor.DecryptCredentials(account.EncryptedCredentials)
	if err != nil {
		return imap.Auth{}, err
	}
	return imap.Auth{
		Username:     creds.Username,
		Password:     creds.Password,
		RefreshToken: creds.RefreshToken,
		AccessToken:  creds.AccessToken,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
	}, nil
}

// classifyFailure maps a cycle error to account health and a retry delay.
func (w *Worker) classifyFailure(ctx context.Context, account *models.Account, err error) (time.Duration, error) {
	if errors.Is(err, context.Canceled) {
		return 0, context.Canceled
	}

	if imap.IsAuthenticationError(err) {
		if saveErr := store.SetAccountSyncError(ctx, w.pool, account.ID, models.SyncHealthAuthFailed, err.Error()); saveErr != nil {
			log.Printf("Warning: failed to record auth failure for account %s: %v", account.ID, saveErr)
		}
		if w.notifier != nil {
			w.notifier.NotifySyncError(account.ID, err.Error())
		}
		return 0, errAuthFailed
	}

	if saveErr := store.SetAccountSyncError(ctx, w.pool, account.ID, models.SyncHealthRunning, err.Error()); saveErr != nil {
		log.Printf("Warning: failed to record sync error for account %s: %v", account.ID, saveErr)
	}
	if w.notifier != nil {
		w.notifier.NotifySyncError(account.ID, err.Error())
	}

	// A dead session cannot be reused; drop it so the next cycle redials.
	if w.conn != nil && imap.IsRetryable(err) {
		w.conn.End()
	}
	return w.cfg.RetryBackoff, err
}

// syncConfigFor overlays the account's sync policy on the process defaults.
func (w *Worker) syncConfigFor(account *models.Account) config.SyncConfig {
	cfg := w.cfg
	if interval := account.SyncPolicy.DeepScanInterval(); interval > 0 {
		cfg.DeepScanInterval = interval
	}
	return cfg
}

func (w *Worker) intervalFor(account *models.Account) time.Duration {
	if interval := account.SyncPolicy.ActiveInterval(); interval > 0 {
		return interval
	}
	return w.cfg.ActiveSyncInterval
}

// openIdleBox re-selects the most interesting folder so the post-cycle IDLE
// watches it for new mail.
func (w *Worker) openIdleBox(ctx context.Context, categories []*models.Category) {
	if w.conn == nil || !w.conn.Connected() {
		return
	}
	target := ""
	for _, cat := range categories {
		if cat.Role == models.RoleInbox {
			target = cat.Name
			break
		}
		if cat.Role == models.RoleAll && target == "" {
			target = cat.Name
		}
	}
	if target == "" {
		return
	}
	if _, err := w.conn.OpenBox(ctx, target, true); err != nil {
		log.Printf("Warning: failed to select %s for idle: %v", target, err)
	}
}

// waitForNext sleeps until the next cycle is due, waking early on explicit
// requests or server new-mail notifications. Returns false when the worker
// should exit.
func (w *Worker) waitForNext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-w.stop:
			return false
		default:
			return true
		}
	}

	var events <-chan imap.Event
	if w.conn != nil && w.conn.Connected() {
		events = w.conn.Events()

		idleCtx, cancelIdle := context.WithCancel(ctx)
		defer cancelIdle()
		go func() {
			if err := w.conn.Idle(idleCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Warning: idle for account %s ended: %v", w.accountID, err)
			}
		}()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case <-w.wake:
			return true
		case event := <-events:
			if event.Kind == imap.EventNewMail {
				if w.notifier != nil {
					w.notifier.NotifyNewMail(w.accountID, event.Box)
				}
				return true
			}
		case <-w.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// fetchOrder sorts folders by role priority, then by name for stability.
func fetchOrder(categories []*models.Category) []*models.Category {
	folders := make([]*models.Category, len(categories))
	copy(folders, categories)
	sort.SliceStable(folders, func(i, j int) bool {
		pi, pj := rolePriorityOf(folders[i]), rolePriorityOf(folders[j])
		if pi != pj {
			return pi < pj
		}
		return folders[i].Name < folders[j].Name
	})
	return folders
}

func rolePriorityOf(cat *models.Category) int {
	if p, ok := rolePriority[cat.Role]; ok {
		return p
	}
	return len(rolePriority)
}
