package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/push"
	"github.com/vdavid/mailsync/internal/send"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/sync"
	"github.com/vdavid/mailsync/internal/syncback"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	hub := push.NewHub(10)
	pushServer := &http.Server{Addr: cfg.PushListenAddr, Handler: hub}
	go func() {
		log.Printf("Push listener starting on %s", cfg.PushListenAddr)
		if err := pushServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Push listener failed: %v", err)
		}
	}()

	runner := syncback.NewRunner(pool, cfg.Sync, encryptor, send.NewSender())
	supervisor := sync.NewSupervisor(pool, cfg.Sync, encryptor, runner, hub)

	log.Printf("Mailsync daemon starting (environment: %s)", cfg.Environment)
	if err := supervisor.StartAll(ctx); err != nil {
		log.Fatalf("Failed to start sync workers: %v", err)
	}

	<-ctx.Done()
	log.Printf("Shutting down")

	supervisor.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pushServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: push listener shutdown: %v", err)
	}
}
