package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/process"
	"github.com/vdavid/mailsync/internal/store"
)

// FetchEngine pulls one folder at a time into the local store. It owns the
// watermark bookkeeping: a UID range is folded into the fetched window only
// after every message in it has been handed to the processor and drained.
type FetchEngine struct {
	pool      *pgxpool.Pool
	conn      *imap.Connection
	processor *process.Processor
	cfg       config.SyncConfig
	account   *models.Account

	// labelsByName maps Gmail label names to category ids for the current
	// category snapshot; labelsByRole resolves the backslash-prefixed system
	// labels ("\Inbox", "\Sent") that arrive instead of folder names.
	labelsByName map[string]string
	labelsByRole map[models.Role]string
}

// Gmail system labels as they appear in X-GM-LABELS responses.
var gmailSystemLabels = map[string]models.Role{
	"\\Inbox":     models.RoleInbox,
	"\\Sent":      models.RoleSent,
	"\\Trash":     models.RoleTrash,
	"\\Spam":      models.RoleSpam,
	"\\Draft":     models.RoleDrafts,
	"\\Drafts":    models.RoleDrafts,
	"\\Important": models.RoleImportant,
	"\\Starred":   models.RoleStarred,
	"\\All":       models.RoleAll,
}

func NewFetchEngine(pool *pgxpool.Pool, conn *imap.Connection, processor *process.Processor, cfg config.SyncConfig, account *models.Account) *FetchEngine {
	return &FetchEngine{
		pool:         pool,
		conn:         conn,
		processor:    processor,
		cfg:          cfg,
		account:      account,
		labelsByName: make(map[string]string),
		labelsByRole: make(map[models.Role]string),
	}
}

// SetCategories refreshes the label lookups after folder reconciliation.
func (e *FetchEngine) SetCategories(categories []*models.Category) {
	e.labelsByName = make(map[string]string, len(categories))
	e.labelsByRole = make(map[models.Role]string)
	for _, cat := range categories {
		if !cat.IsLabel {
			continue
		}
		e.labelsByName[cat.Name] = cat.ID
		if cat.Role != "" {
			e.labelsByRole[cat.Role] = cat.ID
		}
	}
}

// pendingMessage is a phase-one fetch result waiting for its body parts.
type pendingMessage struct {
	uid       uint32
	header    []byte
	flags     []string
	labels    []string
	threadID  string
	hint      string
	selection *partSelection
}

// SyncFolder runs one full fetch pass over a folder: UID-validity recovery,
// new-mail and backfill ranges, then a shallow or deep attribute scan.
func (e *FetchEngine) SyncFolder(ctx context.Context, folder *models.Category) error {
	box, err := e.conn.OpenBox(ctx, folder.Name, false)
	if err != nil {
		return err
	}

	state := folder.SyncState
	if state.UIDValidity != 0 && state.UIDValidity != box.UIDValidity() {
		log.Printf("Warning: UID validity changed for folder %s (%d -> %d), detaching local messages",
			folder.Name, state.UIDValidity, box.UIDValidity())
		if err := store.DetachFolderMessages(ctx, e.pool, folder.ID); err != nil {
			return err
		}
		state = models.SyncState{}
	}
	state.UIDValidity = box.UIDValidity()
	state.UIDNext = box.UIDNext()

	if err := e.fetchRanges(ctx, box, folder, &state); err != nil {
		// Keep whatever progress was persisted before the failure.
		if saveErr := store.SaveSyncState(ctx, e.pool, folder.ID, state); saveErr != nil {
			log.Printf("Warning: failed to save sync state for folder %s: %v", folder.Name, saveErr)
		}
		return err
	}

	if err := e.scan(ctx, box, folder, &state); err != nil {
		if saveErr := store.SaveSyncState(ctx, e.pool, folder.ID, state); saveErr != nil {
			log.Printf("Warning: failed to save sync state for folder %s: %v", folder.Name, saveErr)
		}
		return err
	}

	folder.SyncState = state
	return store.SaveSyncState(ctx, e.pool, folder.ID, state)
}

// fetchRanges downloads new mail above the high watermark and one backfill
// batch below the low watermark.
func (e *FetchEngine) fetchRanges(ctx context.Context, box *imap.Mailbox, folder *models.Category, state *models.SyncState) error {
	if box.MessageCount() == 0 {
		return nil
	}

	if state.FetchedMax == 0 {
		// First contact: take the newest initial batch and leave the rest
		// for backfill.
		lo := uint32(1)
		if next := box.UIDNext(); next > uint32(e.cfg.InitialBatchSize) {
			lo = next - uint32(e.cfg.InitialBatchSize)
		}
		return e.fetchRange(ctx, box, folder, state, lo, 0)
	}

	// New mail above the window.
	if box.UIDNext() > state.FetchedMax+1 {
		if err := e.fetchRange(ctx, box, folder, state, state.FetchedMax+1, 0); err != nil {
			return err
		}
	}

	// One backfill batch below the window.
	if state.FetchedMin > 1 {
		hi := state.FetchedMin - 1
		lo := uint32(1)
		if hi > uint32(e.cfg.IncrementalBatchSize) {
			lo = hi - uint32(e.cfg.IncrementalBatchSize) + 1
		}
		if err := e.fetchRange(ctx, box, folder, state, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// fetchRange downloads [lo, hi] (hi 0 means *), processes every message,
// and advances the watermarks once the batch has drained. The watermark
// write happens after processing so a crash mid-batch re-fetches rather
// than skips.
func (e *FetchEngine) fetchRange(ctx context.Context, box *imap.Mailbox, folder *models.Category, state *models.SyncState, lo, hi uint32) error {
	set := new(goimap.SeqSet)
	set.AddRange(lo, hi)

	pending, err := e.fetchStructures(ctx, box, state, set)
	if err != nil {
		return fmt.Errorf("failed to fetch structures for folder %s: %w", folder.Name, err)
	}
	if len(pending) == 0 {
		state.AdvanceWatermarks(lo, hi)
		return nil
	}

	e.assignThreadHints(ctx, box, folder, pending)

	if err := e.fetchBodies(ctx, box, folder, pending); err != nil {
		return err
	}
	if err := e.processor.Flush(ctx); err != nil {
		return err
	}

	// The engine is the only writer of the folder's sync state; quarantined
	// UIDs collected by the processor are folded in here so the final save
	// cannot erase them.
	for _, uid := range e.processor.TakeFailedUIDs(folder.ID) {
		state.AddFailedUID(uid)
	}

	minUID, maxUID := lo, hi
	for _, group := range pending {
		for _, p := range group {
			if p.uid > maxUID {
				maxUID = p.uid
			}
		}
	}
	state.AdvanceWatermarks(minUID, maxUID)
	return nil
}

// fetchStructures is phase one: headers, flags, body structure and Gmail
// items for every UID in the set. UIDs already quarantined as failed are
// skipped.
func (e *FetchEngine) fetchStructures(ctx context.Context, box *imap.Mailbox, state *models.SyncState, set *goimap.SeqSet) (map[string][]*pendingMessage, error) {
	header := headerSection()
	items := []goimap.FetchItem{
		goimap.FetchUid, goimap.FetchFlags, goimap.FetchInternalDate,
		goimap.FetchBodyStructure, header.FetchItem(),
	}
	if e.conn.SupportsGmailExt() {
		items = append(items, imap.FetchGmailLabels, imap.FetchGmailThreadID)
	}

	failed := make(map[uint32]bool, len(state.FailedUIDs))
	for _, uid := range state.FailedUIDs {
		failed[uid] = true
	}

	pending := make(map[string][]*pendingMessage)
	err := box.FetchEach(ctx, set, items, func(msg *goimap.Message) error {
		if failed[msg.Uid] {
			return nil
		}
		headerBytes, err := readSection(msg, header)
		if err != nil {
			log.Printf("Warning: failed to read header for uid %d: %v", msg.Uid, err)
			return nil
		}
		p := &pendingMessage{
			uid:       msg.Uid,
			header:    headerBytes,
			flags:     msg.Flags,
			labels:    imap.GmailLabelsOf(msg),
			threadID:  imap.GmailThreadIDOf(msg),
			selection: selectParts(msg.BodyStructure),
		}
		key := p.selection.Fingerprint()
		pending[key] = append(pending[key], p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// assignThreadHints maps server-side THREAD groups to local thread ids so
// the resolver can skip the subject heuristic on plain IMAP servers that
// support REFERENCES threading. Best effort: failures only cost accuracy.
func (e *FetchEngine) assignThreadHints(ctx context.Context, box *imap.Mailbox, folder *models.Category, pending map[string][]*pendingMessage) {
	if e.conn.SupportsGmailExt() || !e.conn.SupportsThread() {
		return
	}

	criteria := goimap.NewSearchCriteria()
	groups, err := box.ThreadUIDs(ctx, criteria)
	if err != nil {
		log.Printf("Warning: THREAD command failed for folder %s: %v", folder.Name, err)
		return
	}

	byUID := make(map[uint32]*pendingMessage)
	for _, msgs := range pending {
		for _, p := range msgs {
			byUID[p.uid] = p
		}
	}

	for _, group := range groups {
		var members []*pendingMessage
		hint := ""
		for _, uid := range group {
			if p, ok := byUID[uid]; ok {
				members = append(members, p)
				continue
			}
			if hint != "" {
				continue
			}
			existing, err := store.GetMessageByFolderUID(ctx, e.pool, folder.ID, uid)
			if err == nil && existing.ThreadID != "" {
				hint = existing.ThreadID
			} else if err != nil && !errors.Is(err, store.ErrMessageNotFound) {
				log.Printf("Warning: thread hint lookup failed for uid %d: %v", uid, err)
			}
		}
		if hint == "" {
			continue
		}
		for _, p := range members {
			p.hint = hint
		}
	}
}

// fetchBodies is phase two: one FETCH per fingerprint group, downloading
// exactly the body sections that group needs, then handing each message to
// the processor.
func (e *FetchEngine) fetchBodies(ctx context.Context, box *imap.Mailbox, folder *models.Category, pending map[string][]*pendingMessage) error {
	for _, group := range pending {
		if len(group) == 0 {
			continue
		}

		byUID := make(map[uint32]*pendingMessage, len(group))
		set := new(goimap.SeqSet)
		for _, p := range group {
			byUID[p.uid] = p
			set.AddNum(p.uid)
		}

		desired := group[0].selection.Desired
		items := []goimap.FetchItem{goimap.FetchUid}
		sections := make([]*goimap.BodySectionName, len(desired))
		for i, part := range desired {
			sections[i] = sectionFor(part)
			items = append(items, sections[i].FetchItem())
		}

		enqueue := func(p *pendingMessage, parts []process.RawPart) error {
			raw := &process.RawMessage{
				AccountID:        e.account.ID,
				Folder:           folder,
				UID:              p.uid,
				Header:           p.header,
				Parts:            parts,
				Attachments:      p.selection.Attachments,
				Flags:            p.flags,
				GmailLabels:      p.labels,
				GmailThreadID:    p.threadID,
				LabelIDs:         e.labelIDs(p.labels),
				LabelFingerprint: models.LabelFingerprint(e.labelIDs(p.labels)),
				ThreadHint:       p.hint,
			}
			return e.processor.Enqueue(ctx, raw)
		}

		if len(desired) == 0 {
			for _, p := range group {
				if err := enqueue(p, nil); err != nil {
					return err
				}
			}
			continue
		}

		err := box.FetchEach(ctx, set, items, func(msg *goimap.Message) error {
			p, ok := byUID[msg.Uid]
			if !ok {
				return nil
			}
			parts := make([]process.RawPart, 0, len(desired))
			for i, part := range desired {
				body, err := readSection(msg, sections[i])
				if err != nil {
					log.Printf("Warning: missing body section %s for uid %d", part.Raw.PartID, msg.Uid)
					continue
				}
				raw := part.Raw
				raw.Body = body
				parts = append(parts, raw)
			}
			return enqueue(p, parts)
		})
		if err != nil {
			return fmt.Errorf("failed to fetch bodies for folder %s: %w", folder.Name, err)
		}
	}
	return nil
}

// scan reconciles flags and deletions for already-fetched messages. A deep
// scan covers the whole fetched window and runs every deep-scan interval;
// in between, a shallow scan covers only the most recent window.
func (e *FetchEngine) scan(ctx context.Context, box *imap.Mailbox, folder *models.Category, state *models.SyncState) error {
	if state.FetchedMax == 0 {
		return nil
	}

	now := time.Now().UTC()
	deep := state.TimeDeepScan == nil || now.Sub(*state.TimeDeepScan) >= e.cfg.DeepScanInterval

	lo := state.FetchedMin
	if !deep {
		if window := uint32(e.cfg.ShallowScanWindow); state.FetchedMax > window && state.FetchedMax-window > lo {
			lo = state.FetchedMax - window
		}
	}

	set := new(goimap.SeqSet)
	set.AddRange(lo, state.FetchedMax)
	attrs, err := box.FetchUIDAttributes(ctx, set)
	if err != nil {
		return err
	}

	if err := e.reconcileAttributes(ctx, folder, attrs); err != nil {
		return err
	}
	if err := e.reconcileDeletions(ctx, folder, state, lo, attrs); err != nil {
		return err
	}

	if deep {
		state.TimeDeepScan = &now
	}
	state.TimeShallowScan = &now
	return nil
}

// reconcileAttributes applies remote flag and label changes to local
// messages and aggregates the resulting thread counter deltas.
func (e *FetchEngine) reconcileAttributes(ctx context.Context, folder *models.Category, attrs map[uint32]imap.UIDAttributes) error {
	deltas := make(map[string]store.CounterDelta)

	for uid, attr := range attrs {
		msg, err := store.GetMessageByFolderUID(ctx, e.pool, folder.ID, uid)
		if err != nil {
			if errors.Is(err, store.ErrMessageNotFound) {
				continue
			}
			return err
		}

		isRead, isStarred := flagStates(attr.Flags)
		labelIDs := e.labelIDs(attr.GmailLabels)
		fingerprint := models.LabelFingerprint(labelIDs)

		if msg.IsRead == isRead && msg.IsStarred == isStarred && msg.LabelFingerprint == fingerprint {
			continue
		}

		update := store.FlagUpdate{
			IsRead:           isRead,
			IsStarred:        isStarred,
			LabelFingerprint: fingerprint,
			LabelIDs:         labelIDs,
		}
		if err := store.ApplyFlagUpdate(ctx, e.pool, msg.ID, update); err != nil {
			return err
		}

		if msg.ThreadID == "" {
			continue
		}
		delta := deltas[msg.ThreadID]
		if msg.IsRead != isRead {
			if isRead {
				delta.Unread--
			} else {
				delta.Unread++
			}
		}
		if msg.IsStarred != isStarred {
			if isStarred {
				delta.Starred++
			} else {
				delta.Starred--
			}
		}
		deltas[msg.ThreadID] = delta

		if len(labelIDs) > 0 {
			if err := store.AddThreadCategories(ctx, e.pool, msg.ThreadID, labelIDs); err != nil {
				return err
			}
		}
	}

	return store.ApplyThreadCounterDeltas(ctx, e.pool, deltas)
}

// reconcileDeletions detaches local messages whose UIDs vanished from the
// scanned window. Detached messages are purged later if no other folder
// claims them.
func (e *FetchEngine) reconcileDeletions(ctx context.Context, folder *models.Category, state *models.SyncState, lo uint32, attrs map[uint32]imap.UIDAttributes) error {
	local, err := store.GetFetchedUIDs(ctx, e.pool, folder.ID)
	if err != nil {
		return err
	}

	failed := make(map[uint32]bool, len(state.FailedUIDs))
	for _, uid := range state.FailedUIDs {
		failed[uid] = true
	}

	var gone []uint32
	for _, uid := range local {
		if uid < lo || uid > state.FetchedMax || failed[uid] {
			continue
		}
		if _, ok := attrs[uid]; !ok {
			gone = append(gone, uid)
		}
	}
	if len(gone) == 0 {
		return nil
	}

	log.Printf("Folder %s: %d messages deleted remotely, detaching", folder.Name, len(gone))
	return store.DetachMessagesByUIDs(ctx, e.pool, folder.ID, gone)
}

func (e *FetchEngine) labelIDs(labelNames []string) []string {
	if len(labelNames) == 0 {
		return nil
	}
	ids := make([]string, 0, len(labelNames))
	for _, name := range labelNames {
		if id, ok := e.labelsByName[name]; ok {
			ids = append(ids, id)
			continue
		}
		if role, ok := gmailSystemLabels[name]; ok {
			if id, ok := e.labelsByRole[role]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func flagStates(flags []string) (isRead, isStarred bool) {
	for _, f := range flags {
		switch f {
		case goimap.SeenFlag:
			isRead = true
		case goimap.FlaggedFlag:
			isStarred = true
		}
	}
	return isRead, isStarred
}

func readSection(msg *goimap.Message, section *goimap.BodySectionName) ([]byte, error) {
	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("section %s missing from fetch response", section.FetchItem())
	}
	return io.ReadAll(body)
}
