package process

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// Processor turns raw fetched messages into persisted, threaded records. A
// single goroutine drains a bounded queue, so message processing is strictly
// serialized and the fetch engine feels back-pressure when parsing falls
// behind.
type Processor struct {
	pool     *pgxpool.Pool
	cfg      config.SyncConfig
	resolver *ThreadResolver
	dumpDir  string

	queue   chan *RawMessage
	pending sync.WaitGroup
	done    chan struct{}
	stopped sync.Once

	// failedUIDs collects quarantined UIDs per folder id until the fetch
	// engine drains them. The engine alone persists sync state; writing it
	// from here as well would race with the engine's end-of-folder save.
	failedMu   sync.Mutex
	failedUIDs map[string][]uint32
}

func NewProcessor(pool *pgxpool.Pool, cfg config.SyncConfig) *Processor {
	return &Processor{
		pool:     pool,
		cfg:      cfg,
		resolver: NewThreadResolver(pool, cfg.ThreadCandidateLimit, cfg.MaxThreadLength),
		dumpDir:  filepath.Join(os.TempDir(), "mailsync-parse-errors"),
		queue:    make(chan *RawMessage, cfg.ProcessorQueueDepth),
		done:     make(chan struct{}),

		failedUIDs: make(map[string][]uint32),
	}
}

// Start launches the drain goroutine. Call Stop to shut it down.
func (p *Processor) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop ends the drain goroutine. Messages still queued are dropped; they
// will be fetched again on the next cycle because watermarks only advance
// after processing.
func (p *Processor) Stop() {
	p.stopped.Do(func() { close(p.done) })
}

// Enqueue hands a raw message to the pipeline. It blocks while the queue is
// saturated, which throttles the fetch engine to processing speed.
func (p *Processor) Enqueue(ctx context.Context, raw *RawMessage) error {
	p.pending.Add(1)
	select {
	case p.queue <- raw:
		return nil
	case <-p.done:
		p.pending.Done()
		return errors.New("processor stopped")
	case <-ctx.Done():
		p.pending.Done()
		return ctx.Err()
	}
}

// Flush blocks until everything enqueued so far has been processed. Callers
// must not enqueue concurrently with Flush.
func (p *Processor) Flush(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) run(ctx context.Context) {
	for {
		select {
		case raw := <-p.queue:
			if err := p.processOne(ctx, raw); err != nil {
				p.recordFailure(raw, err)
			}
			p.pending.Done()
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// processOne parses, threads, and persists a single message. A failure here
// affects only this message; the rest of the batch keeps flowing.
func (p *Processor) processOne(ctx context.Context, raw *RawMessage) error {
	msg, err := ParseMessage(raw, p.cfg.SnippetLength, p.cfg.SnippetMaxLength)
	if err != nil {
		return err
	}

	existing, err := store.GetMessage(ctx, p.pool, msg.ID)
	if err != nil && !errors.Is(err, store.ErrMessageNotFound) {
		return err
	}
	if existing != nil {
		return p.updateExisting(ctx, existing, msg, raw)
	}
	return p.insertNew(ctx, msg, raw)
}

func (p *Processor) insertNew(ctx context.Context, msg *models.Message, raw *RawMessage) error {
	thread, err := p.resolver.Resolve(ctx, msg, raw.ThreadHint)
	if err != nil {
		return fmt.Errorf("failed to resolve thread: %w", err)
	}
	msg.ThreadID = thread.ID
	msg.Processed = true

	if err := store.SaveMessage(ctx, p.pool, msg); err != nil {
		return err
	}
	if len(msg.LabelIDs) > 0 {
		if err := store.ReplaceMessageLabels(ctx, p.pool, msg.ID, msg.LabelIDs); err != nil {
			return err
		}
	}

	if err := ExtractFiles(ctx, p.pool, msg, raw.Attachments); err != nil {
		return err
	}
	ExtractContacts(ctx, p.pool, msg)
	return nil
}

// updateExisting reconciles a re-fetched message, which happens when a
// Gmail message surfaces in a second folder or a scan re-reads a UID. Only
// mutable facts move: flags, labels, and folder placement.
func (p *Processor) updateExisting(ctx context.Context, existing, incoming *models.Message, raw *RawMessage) error {
	if existing.IsRead != incoming.IsRead || existing.IsStarred != incoming.IsStarred ||
		existing.LabelFingerprint != incoming.LabelFingerprint {
		update := store.FlagUpdate{
			IsRead:           incoming.IsRead,
			IsStarred:        incoming.IsStarred,
			LabelFingerprint: incoming.LabelFingerprint,
			LabelIDs:         incoming.LabelIDs,
		}
		if err := store.ApplyFlagUpdate(ctx, p.pool, existing.ID, update); err != nil {
			return err
		}
		if existing.ThreadID != "" {
			delta := store.CounterDelta{}
			if existing.IsRead != incoming.IsRead {
				if incoming.IsRead {
					delta.Unread = -1
				} else {
					delta.Unread = 1
				}
			}
			if existing.IsStarred != incoming.IsStarred {
				if incoming.IsStarred {
					delta.Starred = 1
				} else {
					delta.Starred = -1
				}
			}
			deltas := map[string]store.CounterDelta{existing.ThreadID: delta}
			if err := store.ApplyThreadCounterDeltas(ctx, p.pool, deltas); err != nil {
				return err
			}
		}
	}

	if existing.FolderID != incoming.FolderID || existing.FolderUID != incoming.FolderUID {
		if err := store.SetMessageFolder(ctx, p.pool, existing.ID, incoming.FolderID, incoming.FolderUID); err != nil {
			return err
		}
	}

	if existing.ThreadID != "" {
		categoryIDs := append([]string{incoming.FolderID}, incoming.LabelIDs...)
		if err := store.AddThreadCategories(ctx, p.pool, existing.ThreadID, categoryIDs); err != nil {
			return err
		}
	}

	if !existing.Processed {
		existing.BodyHTML = incoming.BodyHTML
		existing.Snippet = incoming.Snippet
		existing.Processed = true
		if existing.ThreadID == "" {
			thread, err := p.resolver.Resolve(ctx, existing, raw.ThreadHint)
			if err != nil {
				return fmt.Errorf("failed to resolve thread: %w", err)
			}
			existing.ThreadID = thread.ID
		}
		if err := store.SaveMessage(ctx, p.pool, existing); err != nil {
			return err
		}
		if err := ExtractFiles(ctx, p.pool, existing, raw.Attachments); err != nil {
			return err
		}
		ExtractContacts(ctx, p.pool, existing)
	}
	return nil
}

// recordFailure quarantines a message the pipeline could not handle: the
// UID is held for the fetch engine to fold into the folder's failed list,
// and the raw source is dumped for diagnosis.
func (p *Processor) recordFailure(raw *RawMessage, procErr error) {
	folderName := "unknown"
	if raw.Folder != nil {
		folderName = raw.Folder.Name
	}
	log.Printf("Warning: failed to process message uid %d in folder %s: %v", raw.UID, folderName, procErr)

	p.dumpRawMessage(raw, folderName)

	if raw.Folder == nil {
		return
	}
	p.failedMu.Lock()
	p.failedUIDs[raw.Folder.ID] = append(p.failedUIDs[raw.Folder.ID], raw.UID)
	p.failedMu.Unlock()
}

// TakeFailedUIDs returns and clears the UIDs quarantined for a folder since
// the last call. Call after Flush so the batch's failures are all in.
func (p *Processor) TakeFailedUIDs(folderID string) []uint32 {
	p.failedMu.Lock()
	defer p.failedMu.Unlock()

	uids := p.failedUIDs[folderID]
	delete(p.failedUIDs, folderID)
	return uids
}

func (p *Processor) dumpRawMessage(raw *RawMessage, folderName string) {
	dir := filepath.Join(p.dumpDir, folderName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("Warning: failed to create dump directory %s: %v", dir, err)
		return
	}

	var dump []byte
	dump = append(dump, raw.Header...)
	for _, part := range raw.Parts {
		dump = append(dump, '\n', '\n')
		dump = append(dump, part.Body...)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.eml", raw.UID))
	if err := os.WriteFile(path, dump, 0o644); err != nil {
		log.Printf("Warning: failed to write dump file %s: %v", path, err)
	}
}
