// Package syncback turns queued local mutation intents into ordered remote
// operations. Every task performs its remote mutation first and persists the
// local state change only after the remote call succeeded.
package syncback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/send"
	"github.com/vdavid/mailsync/internal/store"
)

// MailSender is the outbound submission collaborator.
type MailSender interface {
	Send(ctx context.Context, settings models.ConnectionSettings, creds models.Credentials, out *send.Outgoing) (*send.Result, error)
	SendPerRecipient(ctx context.Context, settings models.ConnectionSettings, creds models.Credentials, out *send.Outgoing, opts send.TrackingOptions) (*send.Result, error)
}

// Env carries everything a task needs to run: the store, the account's live
// IMAP session, its decrypted credentials and the reconciled category set.
type Env struct {
	Pool       *pgxpool.Pool
	Cfg        config.SyncConfig
	Conn       *imap.Connection
	Account    *models.Account
	Creds      models.Credentials
	Categories map[string]*models.Category
	Sender     MailSender
}

// Task is one queued mutation. The task kinds form a closed set; TaskFor is
// the only constructor.
type Task interface {
	Kind() string
	// AffectsImapMessageUIDs reports whether a successful run may change a
	// message's server-assigned UID. The scheduler serializes such tasks per
	// message and per folder across a batch.
	AffectsImapMessageUIDs() bool
	Run(ctx context.Context, env *Env) (json.RawMessage, error)
}

// folderScoped tasks claim a whole folder in the batch scheduler.
type folderScoped interface {
	claimedFolderID() string
}

// messageScoped tasks claim individual message ids in the batch scheduler.
type messageScoped interface {
	claimedMessageIDs(ctx context.Context, pool *pgxpool.Pool) ([]string, error)
}

type moveThreadToFolderProps struct {
	ThreadID string `json:"thread_id"`
	FolderID string `json:"folder_id"`
}

type setThreadLabelsProps struct {
	ThreadID string   `json:"thread_id"`
	LabelIDs []string `json:"label_ids"`
}

type setThreadFolderAndLabelsProps struct {
	ThreadID string   `json:"thread_id"`
	FolderID string   `json:"folder_id"`
	LabelIDs []string `json:"label_ids"`
}

type threadProps struct {
	ThreadID string `json:"thread_id"`
}

type moveMessageToFolderProps struct {
	MessageID string `json:"message_id"`
	FolderID  string `json:"folder_id"`
}

type setMessageLabelsProps struct {
	MessageID string   `json:"message_id"`
	LabelIDs  []string `json:"label_ids"`
}

type messageProps struct {
	MessageID string `json:"message_id"`
}

type categoryProps struct {
	ObjectID    string `json:"object_id"`
	DisplayName string `json:"display_name"`
	IsLabel     bool   `json:"is_label"`
}

type sendProps struct {
	Message send.Outgoing `json:"message"`
}

type sendPerRecipientProps struct {
	Message          send.Outgoing `json:"message"`
	UsesOpenTracking bool          `json:"uses_open_tracking"`
	UsesLinkTracking bool          `json:"uses_link_tracking"`
}

// TaskFor maps a queued request to its typed task. Unknown types are an
// error, so a request written by a newer API version fails loudly instead of
// silently staying NEW forever.
func TaskFor(request *models.SyncbackRequest) (Task, error) {
	switch request.Type {
	case "MoveThreadToFolder":
		var p moveThreadToFolderProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &moveThreadToFolderTask{props: p}, nil
	case "SetThreadLabels":
		var p setThreadLabelsProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &setThreadLabelsTask{props: p}, nil
	case "SetThreadFolderAndLabels":
		var p setThreadFolderAndLabelsProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &setThreadFolderAndLabelsTask{props: p}, nil
	case "MarkThreadAsRead":
		return threadFlagTaskFor(request, "MarkThreadAsRead", seenFlag, true)
	case "MarkThreadAsUnread":
		return threadFlagTaskFor(request, "MarkThreadAsUnread", seenFlag, false)
	case "StarThread":
		return threadFlagTaskFor(request, "StarThread", flaggedFlag, true)
	case "UnstarThread":
		return threadFlagTaskFor(request, "UnstarThread", flaggedFlag, false)
	case "MoveMessageToFolder":
		var p moveMessageToFolderProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &moveMessageToFolderTask{props: p}, nil
	case "SetMessageLabels":
		var p setMessageLabelsProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &setMessageLabelsTask{props: p}, nil
	case "MarkMessageAsRead":
		return messageFlagTaskFor(request, "MarkMessageAsRead", seenFlag, true)
	case "MarkMessageAsUnread":
		return messageFlagTaskFor(request, "MarkMessageAsUnread", seenFlag, false)
	case "StarMessage":
		return messageFlagTaskFor(request, "StarMessage", flaggedFlag, true)
	case "UnstarMessage":
		return messageFlagTaskFor(request, "UnstarMessage", flaggedFlag, false)
	case "DeleteMessage":
		var p messageProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &deleteMessageTask{props: p}, nil
	case "CreateCategory":
		var p categoryProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &createCategoryTask{props: p}, nil
	case "RenameFolder":
		var p categoryProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &renameCategoryTask{kind: "RenameFolder", affectsUIDs: true, props: p}, nil
	case "RenameLabel":
		var p categoryProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &renameCategoryTask{kind: "RenameLabel", props: p}, nil
	case "DeleteFolder":
		var p categoryProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &deleteCategoryTask{kind: "DeleteFolder", affectsUIDs: true, props: p}, nil
	case "DeleteLabel":
		var p categoryProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &deleteCategoryTask{kind: "DeleteLabel", props: p}, nil
	case "SendMessage":
		var p sendProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &sendMessageTask{props: p}, nil
	case "SendMessagePerRecipient":
		var p sendPerRecipientProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &sendPerRecipientTask{props: p}, nil
	case "ReconcileSentMessagesPerRecipient":
		var p messageProps
		if err := decodeProps(request, &p); err != nil {
			return nil, err
		}
		return &reconcileSentTask{props: p}, nil
	default:
		return nil, fmt.Errorf("unknown syncback task type %q", request.Type)
	}
}

func decodeProps(request *models.SyncbackRequest, into any) error {
	if err := json.Unmarshal(request.Props, into); err != nil {
		return fmt.Errorf("failed to decode %s props: %w", request.Type, err)
	}
	return nil
}

func threadFlagTaskFor(request *models.SyncbackRequest, kind, flag string, add bool) (Task, error) {
	var p threadProps
	if err := decodeProps(request, &p); err != nil {
		return nil, err
	}
	return &threadFlagTask{kind: kind, flag: flag, add: add, props: p}, nil
}

func messageFlagTaskFor(request *models.SyncbackRequest, kind, flag string, add bool) (Task, error) {
	var p messageProps
	if err := decodeProps(request, &p); err != nil {
		return nil, err
	}
	return &messageFlagTask{kind: kind, flag: flag, add: add, props: p}, nil
}

// messageFlagTask covers mark read/unread and star/unstar for one message.
type messageFlagTask struct {
	kind  string
	flag  string
	add   bool
	props messageProps
}

func (t *messageFlagTask) Kind() string                 { return t.kind }
func (t *messageFlagTask) AffectsImapMessageUIDs() bool { return false }

func (t *messageFlagTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	msg, err := store.GetMessage(ctx, env.Pool, t.props.MessageID)
	if err != nil {
		return nil, err
	}
	if err := applyFlagToMessages(ctx, env, []*models.Message{msg}, t.flag, t.add); err != nil {
		return nil, err
	}
	return nil, nil
}

// threadFlagTask covers mark read/unread and star/unstar for every member
// message of a thread.
type threadFlagTask struct {
	kind  string
	flag  string
	add   bool
	props threadProps
}

func (t *threadFlagTask) Kind() string                 { return t.kind }
func (t *threadFlagTask) AffectsImapMessageUIDs() bool { return false }

func (t *threadFlagTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	msgs, err := store.GetMessagesForThread(ctx, env.Pool, t.props.ThreadID)
	if err != nil {
		return nil, err
	}
	if err := applyFlagToMessages(ctx, env, msgs, t.flag, t.add); err != nil {
		return nil, err
	}
	return nil, nil
}

type moveMessageToFolderTask struct {
	props moveMessageToFolderProps
}

func (t *moveMessageToFolderTask) Kind() string                 { return "MoveMessageToFolder" }
func (t *moveMessageToFolderTask) AffectsImapMessageUIDs() bool { return true }

func (t *moveMessageToFolderTask) claimedMessageIDs(context.Context, *pgxpool.Pool) ([]string, error) {
	return []string{t.props.MessageID}, nil
}

func (t *moveMessageToFolderTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	msg, err := store.GetMessage(ctx, env.Pool, t.props.MessageID)
	if err != nil {
		return nil, err
	}
	return nil, moveMessages(ctx, env, []*models.Message{msg}, t.props.FolderID)
}

type moveThreadToFolderTask struct {
	props moveThreadToFolderProps
}

func (t *moveThreadToFolderTask) Kind() string                 { return "MoveThreadToFolder" }
func (t *moveThreadToFolderTask) AffectsImapMessageUIDs() bool { return true }

func (t *moveThreadToFolderTask) claimedMessageIDs(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	return store.GetThreadMessageIDs(ctx, pool, t.props.ThreadID)
}

func (t *moveThreadToFolderTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	msgs, err := store.GetMessagesForThread(ctx, env.Pool, t.props.ThreadID)
	if err != nil {
		return nil, err
	}
	return nil, moveMessages(ctx, env, msgs, t.props.FolderID)
}

type setMessageLabelsTask struct {
	props setMessageLabelsProps
}

func (t *setMessageLabelsTask) Kind() string                 { return "SetMessageLabels" }
func (t *setMessageLabelsTask) AffectsImapMessageUIDs() bool { return false }

func (t *setMessageLabelsTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	msg, err := store.GetMessage(ctx, env.Pool, t.props.MessageID)
	if err != nil {
		return nil, err
	}
	return nil, setLabelsOnMessages(ctx, env, []*models.Message{msg}, t.props.LabelIDs)
}

type setThreadLabelsTask struct {
	props setThreadLabelsProps
}

func (t *setThreadLabelsTask) Kind() string                 { return "SetThreadLabels" }
func (t *setThreadLabelsTask) AffectsImapMessageUIDs() bool { return false }

func (t *setThreadLabelsTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	msgs, err := store.GetMessagesForThread(ctx, env.Pool, t.props.ThreadID)
	if err != nil {
		return nil, err
	}
	return nil, setLabelsOnMessages(ctx, env, msgs, t.props.LabelIDs)
}

// setThreadFolderAndLabelsTask moves a thread and replaces its labels in one
// request, so the two changes cannot interleave with a fetch in between.
type setThreadFolderAndLabelsTask struct {
	props setThreadFolderAndLabelsProps
}

func (t *setThreadFolderAndLabelsTask) Kind() string                 { return "SetThreadFolderAndLabels" }
func (t *setThreadFolderAndLabelsTask) AffectsImapMessageUIDs() bool { return true }

func (t *setThreadFolderAndLabelsTask) claimedMessageIDs(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	return store.GetThreadMessageIDs(ctx, pool, t.props.ThreadID)
}

func (t *setThreadFolderAndLabelsTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	msgs, err := store.GetMessagesForThread(ctx, env.Pool, t.props.ThreadID)
	if err != nil {
		return nil, err
	}
	if err := setLabelsOnMessages(ctx, env, msgs, t.props.LabelIDs); err != nil {
		return nil, err
	}
	return nil, moveMessages(ctx, env, msgs, t.props.FolderID)
}

type deleteMessageTask struct {
	props messageProps
}

func (t *deleteMessageTask) Kind() string                 { return "DeleteMessage" }
func (t *deleteMessageTask) AffectsImapMessageUIDs() bool { return true }

func (t *deleteMessageTask) claimedMessageIDs(context.Context, *pgxpool.Pool) ([]string, error) {
	return []string{t.props.MessageID}, nil
}

func (t *deleteMessageTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	msg, err := store.GetMessage(ctx, env.Pool, t.props.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.FolderID != "" && msg.FolderUID != 0 {
		box, err := openFolder(ctx, env, msg.FolderID)
		if err != nil {
			return nil, err
		}
		set := uidSet([]*models.Message{msg})
		if err := box.AddFlags(ctx, set, deletedFlag); err != nil {
			return nil, err
		}
		if err := box.Expunge(ctx); err != nil {
			return nil, err
		}
	}
	return nil, store.DeleteMessage(ctx, env.Pool, msg.ID)
}

type createCategoryTask struct {
	props categoryProps
}

func (t *createCategoryTask) Kind() string                 { return "CreateCategory" }
func (t *createCategoryTask) AffectsImapMessageUIDs() bool { return false }

func (t *createCategoryTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	if err := env.Conn.CreateBox(ctx, t.props.DisplayName); err != nil {
		return nil, err
	}
	category := &models.Category{
		ID:        models.CategoryID(env.Account.ID, t.props.DisplayName),
		AccountID: env.Account.ID,
		Name:      t.props.DisplayName,
		IsLabel:   t.props.IsLabel,
	}
	if err := store.ReconcileCategories(ctx, env.Pool, env.Account.ID, []*models.Category{category}, nil, nil); err != nil {
		return nil, err
	}
	response, _ := json.Marshal(map[string]string{"category_id": category.ID})
	return response, nil
}

type renameCategoryTask struct {
	kind        string
	affectsUIDs bool
	props       categoryProps
}

func (t *renameCategoryTask) Kind() string                 { return t.kind }
func (t *renameCategoryTask) AffectsImapMessageUIDs() bool { return t.affectsUIDs }
func (t *renameCategoryTask) claimedFolderID() string      { return t.props.ObjectID }

func (t *renameCategoryTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	category, ok := env.Categories[t.props.ObjectID]
	if !ok {
		return nil, fmt.Errorf("category %s not found", t.props.ObjectID)
	}
	if err := env.Conn.RenameBox(ctx, category.Name, t.props.DisplayName); err != nil {
		return nil, err
	}
	return nil, store.RenameCategory(ctx, env.Pool, category.ID, t.props.DisplayName)
}

type deleteCategoryTask struct {
	kind        string
	affectsUIDs bool
	props       categoryProps
}

func (t *deleteCategoryTask) Kind() string                 { return t.kind }
func (t *deleteCategoryTask) AffectsImapMessageUIDs() bool { return t.affectsUIDs }
func (t *deleteCategoryTask) claimedFolderID() string      { return t.props.ObjectID }

func (t *deleteCategoryTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	category, ok := env.Categories[t.props.ObjectID]
	if !ok {
		return nil, fmt.Errorf("category %s not found", t.props.ObjectID)
	}
	if err := env.Conn.DeleteBox(ctx, category.Name); err != nil {
		return nil, err
	}
	if err := store.DetachFolderMessages(ctx, env.Pool, category.ID); err != nil {
		return nil, err
	}
	return nil, store.DeleteCategory(ctx, env.Pool, category.ID)
}

type sendMessageTask struct {
	props sendProps
}

func (t *sendMessageTask) Kind() string                 { return "SendMessage" }
func (t *sendMessageTask) AffectsImapMessageUIDs() bool { return false }

func (t *sendMessageTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	result, err := env.Sender.Send(ctx, env.Account.Settings, env.Creds, &t.props.Message)
	if err != nil {
		return nil, err
	}
	return saveSentMessage(ctx, env, &t.props.Message, result, true)
}

type sendPerRecipientTask struct {
	props sendPerRecipientProps
}

func (t *sendPerRecipientTask) Kind() string                 { return "SendMessagePerRecipient" }
func (t *sendPerRecipientTask) AffectsImapMessageUIDs() bool { return false }

func (t *sendPerRecipientTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	opts := send.TrackingOptions{
		OpenTracking: t.props.UsesOpenTracking,
		LinkTracking: t.props.UsesLinkTracking,
	}
	result, sendErr := env.Sender.SendPerRecipient(ctx, env.Account.Settings, env.Creds, &t.props.Message, opts)
	if result == nil {
		return nil, sendErr
	}

	// The provider saved one sent copy per recipient; the base copy is not
	// appended here. A follow-up ReconcileSentMessagesPerRecipient request
	// replaces the duplicates with the clean base copy.
	response, err := saveSentMessage(ctx, env, &t.props.Message, result, false)
	if err != nil {
		return nil, err
	}
	if sendErr != nil {
		// Partial failure surfaces on the request even though the local sent
		// copy is recorded; retrying would double-send.
		return nil, sendErr
	}
	return response, nil
}

type reconcileSentTask struct {
	props messageProps
}

func (t *reconcileSentTask) Kind() string                 { return "ReconcileSentMessagesPerRecipient" }
func (t *reconcileSentTask) AffectsImapMessageUIDs() bool { return true }

func (t *reconcileSentTask) claimedMessageIDs(context.Context, *pgxpool.Pool) ([]string, error) {
	return []string{t.props.MessageID}, nil
}

func (t *reconcileSentTask) Run(ctx context.Context, env *Env) (json.RawMessage, error) {
	return nil, reconcileSentCopies(ctx, env, t.props.MessageID)
}
