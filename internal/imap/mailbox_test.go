package imap

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openInbox(t *testing.T, readOnly bool) (*Connection, *Mailbox) {
	t.Helper()

	conn, server := newTestConnection(t)
	ctx := context.Background()
	require.NoError(t, conn.Connect(ctx))
	server.EnsureINBOX(t)

	server.AddMessage(t, "INBOX", "<msg-1@example.com>", "Hello", "alice@example.com", "bob@example.com", time.Now())

	box, err := conn.OpenBox(ctx, "INBOX", readOnly)
	require.NoError(t, err)
	return conn, box
}

func TestFetchUIDAttributes(t *testing.T) {
	_, box := openInbox(t, true)
	ctx := context.Background()

	require.Greater(t, box.MessageCount(), uint32(0))

	set := new(imap.SeqSet)
	set.AddRange(1, 0) // 1:*

	attrs, err := box.FetchUIDAttributes(ctx, set)
	require.NoError(t, err)
	require.NotEmpty(t, attrs)

	for uid, a := range attrs {
		assert.Greater(t, uid, uint32(0))
		// No Gmail extension on the test server.
		assert.Empty(t, a.GmailThreadID)
	}
}

func TestAddAndDelFlags(t *testing.T) {
	conn, box := openInbox(t, false)
	ctx := context.Background()

	uids, err := box.SearchHeader(ctx, "Message-ID", "<msg-1@example.com>")
	require.NoError(t, err)
	require.Len(t, uids, 1)

	set := new(imap.SeqSet)
	set.AddNum(uids[0])

	require.NoError(t, box.AddFlags(ctx, set, imap.FlaggedFlag))

	attrs, err := box.FetchUIDAttributes(ctx, set)
	require.NoError(t, err)
	assert.Contains(t, attrs[uids[0]].Flags, imap.FlaggedFlag)

	require.NoError(t, box.DelFlags(ctx, set, imap.FlaggedFlag))

	attrs, err = box.FetchUIDAttributes(ctx, set)
	require.NoError(t, err)
	assert.NotContains(t, attrs[uids[0]].Flags, imap.FlaggedFlag)

	_ = conn
}

func TestFetchEachStreamsMessages(t *testing.T) {
	_, box := openInbox(t, true)
	ctx := context.Background()

	set := new(imap.SeqSet)
	set.AddRange(1, 0)

	var seen int
	err := box.FetchEach(ctx, set, []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope}, func(msg *imap.Message) error {
		seen++
		assert.NotNil(t, msg.Envelope)
		return nil
	})
	require.NoError(t, err)
	assert.Greater(t, seen, 0)
}

func TestMoveFromBox(t *testing.T) {
	conn, box := openInbox(t, false)
	ctx := context.Background()

	require.NoError(t, conn.CreateBox(ctx, "Archive"))

	uids, err := box.SearchHeader(ctx, "Message-ID", "<msg-1@example.com>")
	require.NoError(t, err)
	require.Len(t, uids, 1)

	set := new(imap.SeqSet)
	set.AddNum(uids[0])
	require.NoError(t, box.MoveFromBox(ctx, set, "Archive"))

	archive, err := conn.OpenBox(ctx, "Archive", true)
	require.NoError(t, err)

	moved, err := archive.SearchHeader(ctx, "Message-ID", "<msg-1@example.com>")
	require.NoError(t, err)
	assert.Len(t, moved, 1)
}
