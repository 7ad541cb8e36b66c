package process

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

var subjectPrefixPattern = regexp.MustCompile(`(?i)^((re|fw|fwd|aw|wg|undeliverable|undelivered):\s*)+`)

// CleanSubject strips reply and forward prefixes so replies in different
// mail clients and languages land on the same subject key.
func CleanSubject(subject string) string {
	return strings.TrimSpace(subjectPrefixPattern.ReplaceAllString(subject, ""))
}

// ThreadResolver assigns incoming messages to conversation threads. Provider
// thread ids win when present; otherwise candidates sharing the cleaned
// subject are checked for participant overlap.
type ThreadResolver struct {
	pool           *pgxpool.Pool
	candidateLimit int
	maxLength      int
}

func NewThreadResolver(pool *pgxpool.Pool, candidateLimit, maxLength int) *ThreadResolver {
	return &ThreadResolver{pool: pool, candidateLimit: candidateLimit, maxLength: maxLength}
}

// Resolve finds or creates the thread for a message and persists the updated
// thread state before returning, so a crash right after never leaves the
// message pointing at a thread that does not exist. hint may name a local
// thread id derived from server-side threading; it wins when it exists.
func (r *ThreadResolver) Resolve(ctx context.Context, msg *models.Message, hint string) (*models.Thread, error) {
	cleaned := CleanSubject(msg.Subject)

	thread, err := r.match(ctx, msg, cleaned, hint)
	if err != nil {
		return nil, err
	}

	if thread == nil {
		thread = &models.Thread{
			ID:             models.ThreadIDForMessage(msg.ID),
			AccountID:      msg.AccountID,
			Subject:        msg.Subject,
			CleanedSubject: cleaned,
			RemoteThreadID: msg.RemoteThreadID,
		}
	}

	joinThread(thread, msg)

	if err := store.SaveThread(ctx, r.pool, thread); err != nil {
		return nil, err
	}
	categoryIDs := append([]string{msg.FolderID}, msg.LabelIDs...)
	if err := store.AddThreadCategories(ctx, r.pool, thread.ID, categoryIDs); err != nil {
		return nil, err
	}
	return thread, nil
}

func (r *ThreadResolver) match(ctx context.Context, msg *models.Message, cleaned, hint string) (*models.Thread, error) {
	if hint != "" {
		thread, err := store.GetThread(ctx, r.pool, hint)
		if err == nil {
			return thread, nil
		}
		if !errors.Is(err, store.ErrThreadNotFound) {
			return nil, err
		}
	}

	if msg.RemoteThreadID != "" {
		thread, err := store.GetThreadByRemoteID(ctx, r.pool, msg.AccountID, msg.RemoteThreadID)
		if err == nil {
			return thread, nil
		}
		if !errors.Is(err, store.ErrThreadNotFound) {
			return nil, err
		}
		return nil, nil
	}

	candidates, err := store.FindThreadCandidates(ctx, r.pool, msg.AccountID, cleaned, r.candidateLimit)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if candidate.MessageCount >= r.maxLength {
			continue
		}
		related, err := r.isRelated(ctx, candidate, msg)
		if err != nil {
			return nil, err
		}
		if related {
			return candidate, nil
		}
	}
	return nil, nil
}

// isRelated checks whether the message plausibly belongs to the candidate:
// at least two participant emails in common, or a strict two-party exchange
// between the same sender and sole recipient.
func (r *ThreadResolver) isRelated(ctx context.Context, candidate *models.Thread, msg *models.Message) (bool, error) {
	threadEmails, err := r.threadParticipantEmails(ctx, candidate.ID)
	if err != nil {
		return false, err
	}

	messageEmails := make(map[string]bool)
	for _, p := range msg.Participants() {
		if email := normalizeEmail(p.Email); email != "" {
			messageEmails[email] = true
		}
	}

	overlap := 0
	for email := range messageEmails {
		if threadEmails[email] {
			overlap++
		}
	}
	if overlap >= 2 {
		return true, nil
	}

	// A note-to-self exchange only ever has one participant, so require the
	// thread to consist of exactly that one address.
	if len(messageEmails) == 1 && len(threadEmails) == 1 {
		for email := range messageEmails {
			if threadEmails[email] {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *ThreadResolver) threadParticipantEmails(ctx context.Context, threadID string) (map[string]bool, error) {
	messages, err := store.GetMessagesForThread(ctx, r.pool, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread members: %w", err)
	}
	emails := make(map[string]bool)
	for _, m := range messages {
		for _, p := range m.Participants() {
			if email := normalizeEmail(p.Email); email != "" {
				emails[email] = true
			}
		}
	}
	return emails, nil
}

// joinThread folds a message into the thread's aggregates.
func joinThread(thread *models.Thread, msg *models.Message) {
	thread.MessageCount++
	if !msg.IsRead {
		thread.UnreadCount++
	}
	if msg.IsStarred {
		thread.StarredCount++
	}
	if thread.Subject == "" {
		thread.Subject = msg.Subject
		thread.CleanedSubject = CleanSubject(msg.Subject)
	}
	if thread.RemoteThreadID == "" && msg.RemoteThreadID != "" {
		thread.RemoteThreadID = msg.RemoteThreadID
	}

	date := msg.Date
	if thread.FirstMessageAt == nil || date.Before(*thread.FirstMessageAt) {
		thread.FirstMessageAt = &date
	}
	if thread.LastMessageAt == nil || date.After(*thread.LastMessageAt) {
		thread.LastMessageAt = &date
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
