package syncback

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// Pending pairs a queued request with its decoded task.
type Pending struct {
	Request *models.SyncbackRequest
	Task    Task
}

// SelectBatch partitions pending tasks (oldest first) into the set that may
// run this cycle and the set deferred to the next one. Tasks that cannot
// change server-assigned UIDs always run. UID-affecting folder renames and
// deletes run at most once per folder id. Remaining UID-affecting tasks run
// at most once per message id; a thread-scoped task claims its whole member
// set and loses if any member is already claimed. The loser waits until the
// winner's new UIDs have been fetched.
func SelectBatch(ctx context.Context, pool *pgxpool.Pool, tasks []Pending) (run, deferred []Pending, err error) {
	claimedFolders := make(map[string]bool)
	claimedMessages := make(map[string]bool)

	for _, p := range tasks {
		if !p.Task.AffectsImapMessageUIDs() {
			run = append(run, p)
			continue
		}

		if fs, ok := p.Task.(folderScoped); ok {
			if claimedFolders[fs.claimedFolderID()] {
				deferred = append(deferred, p)
				continue
			}
			claimedFolders[fs.claimedFolderID()] = true
			run = append(run, p)
			continue
		}

		ms, ok := p.Task.(messageScoped)
		if !ok {
			run = append(run, p)
			continue
		}
		ids, err := ms.claimedMessageIDs(ctx, pool)
		if err != nil {
			return nil, nil, err
		}
		overlap := false
		for _, id := range ids {
			if claimedMessages[id] {
				overlap = true
				break
			}
		}
		if overlap {
			deferred = append(deferred, p)
			continue
		}
		for _, id := range ids {
			claimedMessages[id] = true
		}
		run = append(run, p)
	}
	return run, deferred, nil
}
