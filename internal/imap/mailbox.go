package imap

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Gmail extension fetch items, available when X-GM-EXT-1 is advertised.
const (
	FetchGmailLabels    imap.FetchItem = "X-GM-LABELS"
	FetchGmailThreadID  imap.FetchItem = "X-GM-THRID"
	FetchGmailMessageID imap.FetchItem = "X-GM-MSGID"

	storeGmailLabelsSet imap.StoreItem = "X-GM-LABELS.SILENT"
	storeGmailLabelsAdd imap.StoreItem = "+X-GM-LABELS.SILENT"
	storeGmailLabelsDel imap.StoreItem = "-X-GM-LABELS.SILENT"
)

// Mailbox is a handle bound to one selected folder on a Connection. Every
// method first checks that its folder is still the selected one and fails
// with ErrStaleMailbox otherwise, so a concurrent box switch can never make
// a command land in the wrong folder.
type Mailbox struct {
	conn   *Connection
	name   string
	status *imap.MailboxStatus
}

// Name returns the bound folder name.
func (m *Mailbox) Name() string { return m.name }

// UIDValidity returns the validity value reported at selection time.
func (m *Mailbox) UIDValidity() uint32 { return m.status.UidValidity }

// UIDNext returns the predicted next UID reported at selection time.
func (m *Mailbox) UIDNext() uint32 { return m.status.UidNext }

// MessageCount returns the number of messages reported at selection time.
func (m *Mailbox) MessageCount() uint32 { return m.status.Messages }

func (m *Mailbox) guard() error {
	if selected := m.conn.SelectedBox(); selected != m.name {
		return fmt.Errorf("%w: bound to %q but %q is selected", ErrStaleMailbox, m.name, selected)
	}
	return nil
}

// run enqueues fn behind the stale check.
func (m *Mailbox) run(ctx context.Context, name string, fn func(*client.Client) error) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.conn.Run(ctx, name, fn)
}

// FetchEach streams messages for a UID set, invoking fn once per message as
// its parts complete. A callback error aborts the stream.
func (m *Mailbox) FetchEach(ctx context.Context, set *imap.SeqSet, items []imap.FetchItem, fn func(*imap.Message) error) error {
	return m.run(ctx, "fetch", func(cl *client.Client) error {
		messages := make(chan *imap.Message, 16)
		done := make(chan error, 1)
		go func() {
			done <- cl.UidFetch(set, items, messages)
		}()

		var cbErr error
		for msg := range messages {
			if cbErr != nil {
				continue // drain so UidFetch can finish
			}
			cbErr = fn(msg)
		}
		if err := <-done; err != nil {
			return err
		}
		return cbErr
	})
}

// UIDAttributes are the flag and label facts a scan reconciles.
type UIDAttributes struct {
	Flags          []string
	GmailLabels    []string
	GmailThreadID  string
	GmailMessageID string
}

// FetchUIDAttributes returns flag/label attributes for every message in the
// set. Gmail label and thread items are requested only when the server
// supports them.
func (m *Mailbox) FetchUIDAttributes(ctx context.Context, set *imap.SeqSet) (map[uint32]UIDAttributes, error) {
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags}
	if m.conn.SupportsGmailExt() {
		items = append(items, FetchGmailLabels, FetchGmailThreadID, FetchGmailMessageID)
	}

	attrs := make(map[uint32]UIDAttributes)
	err := m.FetchEach(ctx, set, items, func(msg *imap.Message) error {
		attrs[msg.Uid] = UIDAttributes{
			Flags:          msg.Flags,
			GmailLabels:    gmailLabels(msg),
			GmailThreadID:  gmailNumericItem(msg, FetchGmailThreadID),
			GmailMessageID: gmailNumericItem(msg, FetchGmailMessageID),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch UID attributes: %w", err)
	}
	return attrs, nil
}

// gmailLabels extracts X-GM-LABELS from the raw item map. The wire value is
// a list whose elements may be atoms or quoted strings.
func gmailLabels(msg *imap.Message) []string {
	raw, ok := msg.Items[FetchGmailLabels]
	if !ok || raw == nil {
		return nil
	}
	fields, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(fields))
	for _, f := range fields {
		if s, err := imap.ParseString(f); err == nil && s != "" {
			labels = append(labels, s)
		}
	}
	return labels
}

// gmailNumericItem extracts a numeric Gmail item (thread id, message id) as
// a decimal string. The ids are 64-bit, so they are kept as strings rather
// than squeezed through the library's 32-bit number parser.
func gmailNumericItem(msg *imap.Message, item imap.FetchItem) string {
	raw, ok := msg.Items[item]
	if !ok || raw == nil {
		return ""
	}
	if s, err := imap.ParseString(raw); err == nil {
		return s
	}
	switch v := raw.(type) {
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// GmailLabelsOf extracts X-GM-LABELS from a fetched message.
func GmailLabelsOf(msg *imap.Message) []string {
	return gmailLabels(msg)
}

// GmailThreadIDOf extracts X-GM-THRID from a fetched message as a decimal
// string.
func GmailThreadIDOf(msg *imap.Message) string {
	return gmailNumericItem(msg, FetchGmailThreadID)
}

// AddFlags adds flags to every message in the set.
func (m *Mailbox) AddFlags(ctx context.Context, set *imap.SeqSet, flags ...string) error {
	return m.storeFlags(ctx, set, imap.FormatFlagsOp(imap.AddFlags, true), flags)
}

// DelFlags removes flags from every message in the set.
func (m *Mailbox) DelFlags(ctx context.Context, set *imap.SeqSet, flags ...string) error {
	return m.storeFlags(ctx, set, imap.FormatFlagsOp(imap.RemoveFlags, true), flags)
}

func (m *Mailbox) storeFlags(ctx context.Context, set *imap.SeqSet, item imap.StoreItem, flags []string) error {
	return m.run(ctx, "store", func(cl *client.Client) error {
		values := make([]interface{}, len(flags))
		for i, f := range flags {
			values[i] = f
		}
		return cl.UidStore(set, item, values, nil)
	})
}

// SetLabels replaces the Gmail label set on every message in the set.
func (m *Mailbox) SetLabels(ctx context.Context, set *imap.SeqSet, labels []string) error {
	return m.storeLabels(ctx, set, storeGmailLabelsSet, labels)
}

// AddLabels adds Gmail labels without touching the rest of the set.
func (m *Mailbox) AddLabels(ctx context.Context, set *imap.SeqSet, labels []string) error {
	return m.storeLabels(ctx, set, storeGmailLabelsAdd, labels)
}

// RemoveLabels removes Gmail labels from every message in the set.
func (m *Mailbox) RemoveLabels(ctx context.Context, set *imap.SeqSet, labels []string) error {
	return m.storeLabels(ctx, set, storeGmailLabelsDel, labels)
}

func (m *Mailbox) storeLabels(ctx context.Context, set *imap.SeqSet, item imap.StoreItem, labels []string) error {
	if len(labels) == 0 && item != storeGmailLabelsSet {
		return nil
	}
	return m.run(ctx, "store-labels", func(cl *client.Client) error {
		values := make([]interface{}, len(labels))
		for i, l := range labels {
			values[i] = l
		}
		return cl.UidStore(set, item, values, nil)
	})
}

// MoveFromBox moves messages out of this box into dest. Falls back to
// copy+delete+expunge when the server lacks MOVE.
func (m *Mailbox) MoveFromBox(ctx context.Context, set *imap.SeqSet, dest string) error {
	if m.conn.SupportsMove() {
		return m.run(ctx, "move", func(cl *client.Client) error {
			return cl.UidMove(set, dest)
		})
	}
	return m.run(ctx, "move-fallback", func(cl *client.Client) error {
		if err := cl.UidCopy(set, dest); err != nil {
			return err
		}
		deleted := []interface{}{imap.DeletedFlag}
		if err := cl.UidStore(set, imap.FormatFlagsOp(imap.AddFlags, true), deleted, nil); err != nil {
			return err
		}
		return cl.Expunge(nil)
	})
}

// Expunge permanently removes messages flagged \Deleted from this box.
func (m *Mailbox) Expunge(ctx context.Context) error {
	return m.run(ctx, "expunge", func(cl *client.Client) error {
		return cl.Expunge(nil)
	})
}

// Search runs a UID search with the given criteria.
func (m *Mailbox) Search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	var uids []uint32
	err := m.run(ctx, "search", func(cl *client.Client) error {
		var err error
		uids, err = cl.UidSearch(criteria)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	return uids, nil
}

// SearchHeader finds UIDs of messages carrying the given header value.
func (m *Mailbox) SearchHeader(ctx context.Context, key, value string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add(key, value)
	return m.Search(ctx, criteria)
}

// Append adds a raw message to this box.
func (m *Mailbox) Append(ctx context.Context, flags []string, date time.Time, raw []byte) error {
	return m.conn.Append(ctx, m.name, flags, date, raw)
}

// CloseBox closes the selected mailbox, expunging messages flagged deleted.
func (m *Mailbox) CloseBox(ctx context.Context) error {
	err := m.run(ctx, "close", func(cl *client.Client) error {
		return cl.Close()
	})
	if err != nil {
		return err
	}
	m.conn.mu.Lock()
	if m.conn.selected == m.name {
		m.conn.selected = ""
	}
	m.conn.mu.Unlock()
	return nil
}
