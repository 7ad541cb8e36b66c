package syncback

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/process"
	"github.com/vdavid/mailsync/internal/send"
	"github.com/vdavid/mailsync/internal/store"
)

const (
	seenFlag    = goimap.SeenFlag
	flaggedFlag = goimap.FlaggedFlag
	deletedFlag = goimap.DeletedFlag
)

// gmailSystemLabelNames maps roles to the backslash-prefixed names Gmail
// expects in X-GM-LABELS stores. User labels go by their mailbox name.
var gmailSystemLabelNames = map[models.Role]string{
	models.RoleInbox:     "\\Inbox",
	models.RoleSent:      "\\Sent",
	models.RoleTrash:     "\\Trash",
	models.RoleSpam:      "\\Spam",
	models.RoleDrafts:    "\\Draft",
	models.RoleImportant: "\\Important",
	models.RoleStarred:   "\\Starred",
}

func openFolder(ctx context.Context, env *Env, folderID string) (*imap.Mailbox, error) {
	category, ok := env.Categories[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s not found", folderID)
	}
	box, err := env.Conn.OpenBox(ctx, category.Name, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", category.Name, err)
	}
	return box, nil
}

func categoryByRole(env *Env, role models.Role) *models.Category {
	for _, cat := range env.Categories {
		if cat.Role == role {
			return cat
		}
	}
	return nil
}

func uidSet(msgs []*models.Message) *goimap.SeqSet {
	set := new(goimap.SeqSet)
	for _, msg := range msgs {
		if msg.FolderUID != 0 {
			set.AddNum(msg.FolderUID)
		}
	}
	return set
}

// groupByFolder buckets messages by folder id, dropping ones with no remote
// anchor (they cannot be addressed on the server).
func groupByFolder(msgs []*models.Message) map[string][]*models.Message {
	groups := make(map[string][]*models.Message)
	for _, msg := range msgs {
		if msg.FolderID == "" || msg.FolderUID == 0 {
			log.Printf("Warning: skipping message %s with no remote anchor", msg.ID)
			continue
		}
		groups[msg.FolderID] = append(groups[msg.FolderID], msg)
	}
	return groups
}

// applyFlagToMessages sets or clears one flag remotely, then records the
// local flag change and the aggregated thread counter deltas. No local write
// happens unless every remote store succeeded.
func applyFlagToMessages(ctx context.Context, env *Env, msgs []*models.Message, flag string, add bool) error {
	for folderID, group := range groupByFolder(msgs) {
		box, err := openFolder(ctx, env, folderID)
		if err != nil {
			return err
		}
		set := uidSet(group)
		if add {
			err = box.AddFlags(ctx, set, flag)
		} else {
			err = box.DelFlags(ctx, set, flag)
		}
		if err != nil {
			return err
		}
	}

	deltas := make(map[string]store.CounterDelta)
	for _, msg := range msgs {
		isRead, isStarred := msg.IsRead, msg.IsStarred
		switch flag {
		case seenFlag:
			isRead = add
		case flaggedFlag:
			isStarred = add
		}
		if isRead == msg.IsRead && isStarred == msg.IsStarred {
			continue
		}
		if err := store.SetMessageFlags(ctx, env.Pool, msg.ID, isRead, isStarred); err != nil {
			return err
		}
		if msg.ThreadID != "" {
			delta := deltas[msg.ThreadID]
			if isRead != msg.IsRead {
				if isRead {
					delta.Unread--
				} else {
					delta.Unread++
				}
			}
			if isStarred != msg.IsStarred {
				if isStarred {
					delta.Starred++
				} else {
					delta.Starred--
				}
			}
			deltas[msg.ThreadID] = delta
		}
	}
	return store.ApplyThreadCounterDeltas(ctx, env.Pool, deltas)
}

// moveMessages moves messages into the target folder, remote first. Local
// rows lose their UID anchor; the next fetch of the target folder re-anchors
// them by deterministic id.
func moveMessages(ctx context.Context, env *Env, msgs []*models.Message, folderID string) error {
	target, ok := env.Categories[folderID]
	if !ok {
		return fmt.Errorf("folder %s not found", folderID)
	}

	var moved []*models.Message
	for sourceID, group := range groupByFolder(msgs) {
		if sourceID == folderID {
			continue
		}
		box, err := openFolder(ctx, env, sourceID)
		if err != nil {
			return err
		}
		if err := box.MoveFromBox(ctx, uidSet(group), target.Name); err != nil {
			return err
		}
		moved = append(moved, group...)
	}

	threadIDs := make(map[string]bool)
	for _, msg := range moved {
		if err := store.SetMessageFolder(ctx, env.Pool, msg.ID, target.ID, 0); err != nil {
			return err
		}
		if msg.ThreadID != "" {
			threadIDs[msg.ThreadID] = true
		}
	}
	for threadID := range threadIDs {
		if err := store.AddThreadCategories(ctx, env.Pool, threadID, []string{target.ID}); err != nil {
			return err
		}
	}
	return nil
}

// setLabelsOnMessages replaces each message's Gmail label set. The sent
// label is add-only on the wire: removing it silently no-ops server-side, so
// a message currently carrying it keeps it in both the remote store and the
// local associations.
func setLabelsOnMessages(ctx context.Context, env *Env, msgs []*models.Message, labelIDs []string) error {
	if env.Account.Provider != models.ProviderGmail && !env.Conn.SupportsGmailExt() {
		return fmt.Errorf("labels require a gmail account")
	}

	names := make([]string, 0, len(labelIDs))
	for _, id := range labelIDs {
		category, ok := env.Categories[id]
		if !ok {
			return fmt.Errorf("label %s not found", id)
		}
		names = append(names, gmailLabelName(category))
	}

	sent := categoryByRole(env, models.RoleSent)
	threadIDs := make(map[string]bool)

	for folderID, group := range groupByFolder(msgs) {
		box, err := openFolder(ctx, env, folderID)
		if err != nil {
			return err
		}
		for _, msg := range group {
			targetIDs := labelIDs
			targetNames := names
			if sent != nil && hasLabel(msg, sent.ID) && !containsString(labelIDs, sent.ID) {
				targetIDs = append(append([]string{}, labelIDs...), sent.ID)
				targetNames = append(append([]string{}, names...), gmailLabelName(sent))
			}
			set := uidSet([]*models.Message{msg})
			if err := box.SetLabels(ctx, set, targetNames); err != nil {
				return err
			}
			if err := store.ReplaceMessageLabels(ctx, env.Pool, msg.ID, targetIDs); err != nil {
				return err
			}
			if msg.ThreadID != "" {
				threadIDs[msg.ThreadID] = true
			}
		}
	}

	for threadID := range threadIDs {
		if err := store.AddThreadCategories(ctx, env.Pool, threadID, labelIDs); err != nil {
			return err
		}
	}
	return nil
}

func gmailLabelName(category *models.Category) string {
	if name, ok := gmailSystemLabelNames[category.Role]; ok {
		return name
	}
	return category.Name
}

func hasLabel(msg *models.Message, labelID string) bool {
	return containsString(msg.LabelIDs, labelID)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// saveSentMessage records the locally originated message after submission.
// Threading, attachments and contacts run when the sent copy is fetched back
// from the sent folder, exactly like any other unprocessed message. On
// non-Gmail servers the copy must be appended explicitly; Gmail files one
// itself.
func saveSentMessage(ctx context.Context, env *Env, out *send.Outgoing, result *send.Result, appendCopy bool) (json.RawMessage, error) {
	now := time.Now().UTC()
	msg := &models.Message{
		AccountID:       env.Account.ID,
		MessageIDHeader: result.MessageIDHeader,
		Subject:         out.Subject,
		From:            []models.Participant{out.From},
		To:              out.To,
		CC:              out.CC,
		BCC:             out.BCC,
		InReplyTo:       out.InReplyTo,
		References:      out.References,
		Date:            now,
		BodyHTML:        out.HTMLBody,
		Snippet:         process.ExtractSnippet(out.TextBody, out.HTMLBody, env.Cfg.SnippetLength, env.Cfg.SnippetMaxLength),
		IsRead:          true,
		IsSent:          true,
	}
	msg.ID = models.MessageID(models.MessageHashInput{
		MessageIDHeader: msg.MessageIDHeader,
		Subject:         msg.Subject,
		From:            msg.From,
		To:              msg.To,
		CC:              msg.CC,
		Date:            msg.Date,
	})
	if err := store.SaveMessage(ctx, env.Pool, msg); err != nil {
		return nil, err
	}

	if appendCopy && env.Account.Provider != models.ProviderGmail {
		if sent := categoryByRole(env, models.RoleSent); sent != nil {
			if err := env.Conn.Append(ctx, sent.Name, []string{seenFlag}, now, result.Raw); err != nil {
				log.Printf("Warning: failed to append sent copy for message %s: %v", msg.ID, err)
			}
		}
	}

	response, _ := json.Marshal(map[string]string{
		"message_id":        msg.ID,
		"message_id_header": msg.MessageIDHeader,
	})
	return response, nil
}

// reconcileSentCopies cleans up after a per-recipient send on Gmail: the
// provider files one sent copy per customized recipient copy. Those
// duplicates are trashed and expunged, and one clean base copy is appended
// to All Mail carrying the sent label.
func reconcileSentCopies(ctx context.Context, env *Env, messageID string) error {
	msg, err := store.GetMessage(ctx, env.Pool, messageID)
	if err != nil {
		return err
	}
	if msg.MessageIDHeader == "" {
		return fmt.Errorf("message %s has no Message-ID header to reconcile by", messageID)
	}

	sent := categoryByRole(env, models.RoleSent)
	trash := categoryByRole(env, models.RoleTrash)
	if sent == nil || trash == nil {
		return fmt.Errorf("account has no sent or trash folder")
	}

	sentBox, err := env.Conn.OpenBox(ctx, sent.Name, false)
	if err != nil {
		return err
	}
	uids, err := sentBox.SearchHeader(ctx, "Message-Id", msg.MessageIDHeader)
	if err != nil {
		return err
	}
	if len(uids) > 0 {
		set := new(goimap.SeqSet)
		set.AddNum(uids...)
		if err := sentBox.MoveFromBox(ctx, set, trash.Name); err != nil {
			return err
		}
		if err := purgeFromTrash(ctx, env, trash.Name, msg.MessageIDHeader); err != nil {
			return err
		}
	}

	return appendSentCopy(ctx, env, msg)
}

func purgeFromTrash(ctx context.Context, env *Env, trashName, messageIDHeader string) error {
	trashBox, err := env.Conn.OpenBox(ctx, trashName, false)
	if err != nil {
		return err
	}
	uids, err := trashBox.SearchHeader(ctx, "Message-Id", messageIDHeader)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	set := new(goimap.SeqSet)
	set.AddNum(uids...)
	if err := trashBox.AddFlags(ctx, set, deletedFlag); err != nil {
		return err
	}
	return trashBox.Expunge(ctx)
}

// appendSentCopy rebuilds the stored message as MIME and files it in the
// all-mail box (falling back to the sent folder), then marks it with the
// sent label so Gmail treats it as sent mail.
func appendSentCopy(ctx context.Context, env *Env, msg *models.Message) error {
	target := categoryByRole(env, models.RoleAll)
	if target == nil {
		target = categoryByRole(env, models.RoleSent)
	}
	if target == nil {
		return fmt.Errorf("account has no folder to file the sent copy in")
	}

	out := &send.Outgoing{
		To:         msg.To,
		CC:         msg.CC,
		BCC:        msg.BCC,
		Subject:    msg.Subject,
		HTMLBody:   msg.BodyHTML,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
	}
	if len(msg.From) > 0 {
		out.From = msg.From[0]
	}
	raw, err := send.BuildMIME(out, msg.MessageIDHeader, msg.BodyHTML)
	if err != nil {
		return err
	}
	if err := env.Conn.Append(ctx, target.Name, []string{seenFlag}, msg.Date, raw); err != nil {
		return err
	}

	if env.Conn.SupportsGmailExt() {
		box, err := env.Conn.OpenBox(ctx, target.Name, false)
		if err != nil {
			return err
		}
		uids, err := box.SearchHeader(ctx, "Message-Id", msg.MessageIDHeader)
		if err != nil {
			return err
		}
		if len(uids) > 0 {
			set := new(goimap.SeqSet)
			set.AddNum(uids...)
			if err := box.AddLabels(ctx, set, []string{gmailSystemLabelNames[models.RoleSent]}); err != nil {
				return err
			}
		}
	}
	return nil
}
