package syncback

import (
	"context"
	"encoding/json"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// Runner drains an account's queued syncback requests. It is shared across
// workers; all per-account state arrives through RunPending's arguments.
type Runner struct {
	pool      *pgxpool.Pool
	cfg       config.SyncConfig
	encryptor *crypto.Encryptor
	sender    MailSender
}

func NewRunner(pool *pgxpool.Pool, cfg config.SyncConfig, encryptor *crypto.Encryptor, sender MailSender) *Runner {
	return &Runner{pool: pool, cfg: cfg, encryptor: encryptor, sender: sender}
}

// RunPending executes the account's NEW requests, oldest first, under the
// batch scheduling discipline. Each request resolves exactly once: SUCCEEDED
// with its response payload, or FAILED with the captured error. A failed
// task never aborts the batch. Requests deferred by the scheduler stay NEW
// and are picked up next cycle.
func (r *Runner) RunPending(ctx context.Context, conn *imap.Connection, account *models.Account, categories []*models.Category) error {
	requests, err := store.GetNewSyncbackRequests(ctx, r.pool, account.ID)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return nil
	}

	creds, err := r.encryptor.DecryptCredentials(account.EncryptedCredentials)
	if err != nil {
		return err
	}

	byID := make(map[string]*models.Category, len(categories))
	for _, cat := range categories {
		byID[cat.ID] = cat
	}
	env := &Env{
		Pool:       r.pool,
		Cfg:        r.cfg,
		Conn:       conn,
		Account:    account,
		Creds:      creds,
		Categories: byID,
		Sender:     r.sender,
	}

	var pending []Pending
	for _, request := range requests {
		task, err := TaskFor(request)
		if err != nil {
			r.resolve(ctx, request, models.SyncbackFailed, nil, err)
			continue
		}
		pending = append(pending, Pending{Request: request, Task: task})
	}

	run, deferred, err := SelectBatch(ctx, r.pool, pending)
	if err != nil {
		return err
	}
	if len(deferred) > 0 {
		log.Printf("Account %s: deferred %d syncback requests to the next cycle", account.ID, len(deferred))
	}

	for _, p := range run {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		response, err := p.Task.Run(ctx, env)
		if err != nil {
			log.Printf("Warning: syncback task %s (%s) failed: %v", p.Request.ID, p.Task.Kind(), err)
			r.resolve(ctx, p.Request, models.SyncbackFailed, nil, err)
			continue
		}
		r.resolve(ctx, p.Request, models.SyncbackSucceeded, response, nil)
	}
	return nil
}

func (r *Runner) resolve(ctx context.Context, request *models.SyncbackRequest, status models.SyncbackStatus, response json.RawMessage, taskErr error) {
	errText := ""
	if taskErr != nil {
		errText = taskErr.Error()
	}
	if err := store.ResolveSyncbackRequest(ctx, r.pool, request.ID, status, response, errText); err != nil {
		log.Printf("Warning: failed to resolve syncback request %s: %v", request.ID, err)
	}
}
