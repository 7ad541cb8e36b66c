package sync

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/store"
)

// Supervisor owns one Worker per syncing account and routes external
// requests (start, stop, sync-now) to them.
type Supervisor struct {
	pool      *pgxpool.Pool
	cfg       config.SyncConfig
	encryptor *crypto.Encryptor
	syncback  SyncbackRunner
	notifier  Notifier

	mu      sync.Mutex
	workers map[string]*Worker
	cancels map[string]context.CancelFunc
}

func NewSupervisor(pool *pgxpool.Pool, cfg config.SyncConfig, encryptor *crypto.Encryptor, syncback SyncbackRunner, notifier Notifier) *Supervisor {
	return &Supervisor{
		pool:      pool,
		cfg:       cfg,
		encryptor: encryptor,
		syncback:  syncback,
		notifier:  notifier,
		workers:   make(map[string]*Worker),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// StartAll launches a worker for every stored account.
func (s *Supervisor) StartAll(ctx context.Context) error {
	accounts, err := store.ListAccounts(ctx, s.pool)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, account := range accounts {
		s.StartAccount(ctx, account.ID)
	}
	return nil
}

// StartAccount launches the worker for one account. Starting an already
// running account is a no-op.
func (s *Supervisor) StartAccount(ctx context.Context, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.workers[accountID]; running {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	worker := NewWorker(s.pool, s.cfg, s.encryptor, accountID, s.syncback, s.notifier)
	s.workers[accountID] = worker
	s.cancels[accountID] = cancel

	go func() {
		worker.Run(workerCtx)
		s.mu.Lock()
		delete(s.workers, accountID)
		delete(s.cancels, accountID)
		s.mu.Unlock()
		cancel()
	}()

	log.Printf("Started sync worker for account %s", accountID)
}

// StopAccount shuts down one account's worker and waits for it to finish.
func (s *Supervisor) StopAccount(accountID string) {
	s.mu.Lock()
	worker := s.workers[accountID]
	cancel := s.cancels[accountID]
	s.mu.Unlock()

	if worker == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	worker.Stop()
	log.Printf("Stopped sync worker for account %s", accountID)
}

// SyncNow wakes an account's worker. Returns false when the account is not
// currently syncing.
func (s *Supervisor) SyncNow(accountID string, priority Priority) bool {
	s.mu.Lock()
	worker := s.workers[accountID]
	s.mu.Unlock()

	if worker == nil {
		return false
	}
	worker.SyncNow(priority)
	return true
}

// Running reports whether an account currently has a worker.
func (s *Supervisor) Running(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[accountID]
	return ok
}

// StopAll shuts every worker down and waits for them.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for id, w := range s.workers {
		workers = append(workers, w)
		if cancel := s.cancels[id]; cancel != nil {
			cancel()
		}
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
}
