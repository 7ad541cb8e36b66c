package models

import (
	"encoding/json"
	"time"
)

// Provider identifies the remote mail service flavor. Gmail gets label and
// native-thread semantics; everything else is treated as generic IMAP.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// Role is a semantic category assignment. Each role is held by at most one
// category per account.
type Role string

const (
	RoleInbox     Role = "inbox"
	RoleSent      Role = "sent"
	RoleTrash     Role = "trash"
	RoleSpam      Role = "spam"
	RoleDrafts    Role = "drafts"
	RoleAll       Role = "all"
	RoleImportant Role = "important"
	RoleStarred   Role = "starred"
)

// SyncHealth is the account-level sync status. AuthFailed is distinct from a
// generic sync error so callers can prompt for re-authentication.
type SyncHealth string

const (
	SyncHealthRunning    SyncHealth = "running"
	SyncHealthAuthFailed SyncHealth = "auth_failed"
	SyncHealthStopped    SyncHealth = "stopped"
)

// ConnectionSettings holds the non-secret server coordinates for an account.
type ConnectionSettings struct {
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	UseTLS   bool   `json:"use_tls"`
}

// Credentials are the account secrets, stored AES-GCM encrypted at rest.
// Exactly one of Password or RefreshToken is normally set; AccessToken may be
// a pre-resolved XOAUTH2 token that bypasses the refresh exchange.
type Credentials struct {
	Username     string     `json:"username"`
	Password     string     `json:"password,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
	TokenURL     string     `json:"token_url,omitempty"`
}

// SyncPolicy controls how often an account syncs. Intervals are stored in
// seconds so the JSONB representation stays readable.
type SyncPolicy struct {
	ActiveIntervalSeconds   int `json:"active_interval_seconds"`
	InactiveIntervalSeconds int `json:"inactive_interval_seconds"`
	DeepScanIntervalSeconds int `json:"deep_scan_interval_seconds"`
}

func (p SyncPolicy) ActiveInterval() time.Duration {
	return time.Duration(p.ActiveIntervalSeconds) * time.Second
}

func (p SyncPolicy) InactiveInterval() time.Duration {
	return time.Duration(p.InactiveIntervalSeconds) * time.Second
}

func (p SyncPolicy) DeepScanInterval() time.Duration {
	return time.Duration(p.DeepScanIntervalSeconds) * time.Second
}

// Account is a synced mailbox identity.
type Account struct {
	ID                   string             `json:"id"`
	EmailAddress         string             `json:"email_address"`
	Provider             Provider           `json:"provider"`
	Settings             ConnectionSettings `json:"settings"`
	EncryptedCredentials []byte             `json:"-"`
	SyncPolicy           SyncPolicy         `json:"sync_policy"`
	SyncHealth           SyncHealth         `json:"sync_health"`
	SyncError            string             `json:"sync_error,omitempty"`
	FirstSyncCompletedAt *time.Time         `json:"first_sync_completed_at,omitempty"`
	LastSyncCompletions  []time.Time        `json:"last_sync_completions"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// SyncState is a folder's fetch bookkeeping, persisted as JSONB on its
// category row. It is the sole source of truth for what has been fetched.
type SyncState struct {
	FetchedMin      uint32     `json:"fetchedmin"`
	FetchedMax      uint32     `json:"fetchedmax"`
	UIDNext         uint32     `json:"uidnext"`
	UIDValidity     uint32     `json:"uidvalidity"`
	HighestModSeq   uint64     `json:"highestmodseq"`
	TimeDeepScan    *time.Time `json:"time_deep_scan,omitempty"`
	TimeShallowScan *time.Time `json:"time_shallow_scan,omitempty"`
	FailedUIDs      []uint32   `json:"failed_uids,omitempty"`
}

// AdvanceWatermarks folds a successfully fetched UID range into the state.
// The low watermark only ever decreases and the high watermark only ever
// increases, so a partial re-fetch can never shrink the fetched range.
func (s *SyncState) AdvanceWatermarks(min, max uint32) {
	if s.FetchedMin == 0 || (min != 0 && min < s.FetchedMin) {
		s.FetchedMin = min
	}
	if max > s.FetchedMax {
		s.FetchedMax = max
	}
}

// AddFailedUID records a UID whose message could not be processed.
// Duplicates are dropped.
func (s *SyncState) AddFailedUID(uid uint32) {
	for _, u := range s.FailedUIDs {
		if u == uid {
			return
		}
	}
	s.FailedUIDs = append(s.FailedUIDs, uid)
}

// Category is a remote folder or label. Folders are exclusive containers;
// labels are non-exclusive tags (Gmail).
type Category struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	IsLabel   bool      `json:"is_label"`
	Role      Role      `json:"role,omitempty"`
	SyncState SyncState `json:"sync_state"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant is one parsed address from a message header.
type Participant struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Message is a single synced email.
type Message struct {
	ID               string        `json:"id"`
	AccountID        string        `json:"account_id"`
	ThreadID         string        `json:"thread_id,omitempty"`
	FolderID         string        `json:"folder_id,omitempty"`
	FolderUID        uint32        `json:"folder_uid,omitempty"`
	MessageIDHeader  string        `json:"message_id_header"`
	Subject          string        `json:"subject"`
	From             []Participant `json:"from,omitempty"`
	To               []Participant `json:"to,omitempty"`
	CC               []Participant `json:"cc,omitempty"`
	BCC              []Participant `json:"bcc,omitempty"`
	ReplyTo          []Participant `json:"reply_to,omitempty"`
	InReplyTo        string        `json:"in_reply_to,omitempty"`
	References       []string      `json:"references,omitempty"`
	Date             time.Time     `json:"date"`
	BodyHTML         string        `json:"body_html,omitempty"`
	Snippet          string        `json:"snippet,omitempty"`
	IsRead           bool          `json:"is_read"`
	IsStarred        bool          `json:"is_starred"`
	IsDraft          bool          `json:"is_draft"`
	IsSent           bool          `json:"is_sent"`
	IsSending        bool          `json:"is_sending"`
	RemoteThreadID   string        `json:"remote_thread_id,omitempty"`
	LabelFingerprint string        `json:"label_fingerprint,omitempty"`
	LabelIDs         []string      `json:"label_ids,omitempty"`
	Processed        bool          `json:"processed"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Participants returns the union used by thread matching: from, to and cc.
func (m *Message) Participants() []Participant {
	out := make([]Participant, 0, len(m.From)+len(m.To)+len(m.CC))
	out = append(out, m.From...)
	out = append(out, m.To...)
	out = append(out, m.CC...)
	return out
}

// Thread is a conversation grouping of messages.
type Thread struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	Subject        string     `json:"subject"`
	CleanedSubject string     `json:"cleaned_subject"`
	RemoteThreadID string     `json:"remote_thread_id,omitempty"`
	UnreadCount    int        `json:"unread_count"`
	StarredCount   int        `json:"starred_count"`
	MessageCount   int        `json:"message_count"`
	FirstMessageAt *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	CategoryIDs    []string   `json:"category_ids,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// File is one attachment extracted from a message's MIME structure.
// Immutable after creation.
type File struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	MessageID   string    `json:"message_id"`
	PartID      string    `json:"part_id"`
	Filename    string    `json:"filename,omitempty"`
	ContentType string    `json:"content_type"`
	ContentID   string    `json:"content_id,omitempty"`
	Encoding    string    `json:"encoding,omitempty"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Contact is a deduplicated directory entry keyed by email hash.
type Contact struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncbackStatus is the lifecycle of a queued local mutation.
type SyncbackStatus string

const (
	SyncbackNew       SyncbackStatus = "NEW"
	SyncbackSucceeded SyncbackStatus = "SUCCEEDED"
	SyncbackFailed    SyncbackStatus = "FAILED"
)

// SyncbackRequest is a queued local mutation intent. Props are decoded into
// the matching typed task by the syncback engine.
type SyncbackRequest struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Type      string          `json:"type"`
	Props     json.RawMessage `json:"props"`
	Status    SyncbackStatus  `json:"status"`
	Error     string          `json:"error,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
