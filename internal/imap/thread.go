package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

// ThreadUIDs runs a UID THREAD (REFERENCES) command scoped by the given
// criteria and returns one flattened UID group per conversation. Used to
// derive remote thread ids on servers without a native thread id extension.
func (m *Mailbox) ThreadUIDs(ctx context.Context, criteria *imap.SearchCriteria) ([][]uint32, error) {
	var groups [][]uint32
	err := m.run(ctx, "thread", func(cl *client.Client) error {
		threadClient := sortthread.NewThreadClient(cl)
		threads, err := threadClient.UidThread(sortthread.References, criteria)
		if err != nil {
			return err
		}
		for _, t := range threads {
			if group := flattenThread(t); len(group) > 0 {
				groups = append(groups, group)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run THREAD command: %w", err)
	}
	return groups, nil
}

func flattenThread(t *sortthread.Thread) []uint32 {
	if t == nil {
		return nil
	}
	uids := []uint32{t.Id}
	for _, child := range t.Children {
		uids = append(uids, flattenThread(child)...)
	}
	return uids
}
