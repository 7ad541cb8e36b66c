package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Deterministic ids make re-fetching idempotent: the same remote object
// always hashes to the same local row.

// MessageHashInput is the canonical header block a message id is derived
// from. Participants are joined in header order; the date uses RFC 3339 so
// the rendering is stable across runs.
type MessageHashInput struct {
	MessageIDHeader string
	Subject         string
	From            []Participant
	To              []Participant
	CC              []Participant
	Date            time.Time
}

// MessageID computes the deterministic message id from the canonical header
// block.
func MessageID(in MessageHashInput) string {
	var b strings.Builder
	b.WriteString(in.MessageIDHeader)
	b.WriteString("\n")
	b.WriteString(in.Subject)
	b.WriteString("\n")
	writeParticipants(&b, in.From)
	writeParticipants(&b, in.To)
	writeParticipants(&b, in.CC)
	if !in.Date.IsZero() {
		b.WriteString(in.Date.UTC().Format(time.RFC3339))
	}
	return hashString(b.String())
}

func writeParticipants(b *strings.Builder, ps []Participant) {
	for _, p := range ps {
		b.WriteString(strings.ToLower(strings.TrimSpace(p.Email)))
		b.WriteString(",")
	}
	b.WriteString("\n")
}

// CategoryID computes the deterministic id for a folder or label.
func CategoryID(accountID, name string) string {
	return hashString(accountID + ":" + name)
}

// FileID computes the deterministic id for an attachment part.
func FileID(messageID, partID string, size int64) string {
	return hashString(fmt.Sprintf("%s:%s:%d", messageID, partID, size))
}

// ContactID computes the deterministic id for an email address.
func ContactID(email string) string {
	return hashString(strings.ToLower(strings.TrimSpace(email)))
}

// ThreadIDForMessage derives the id of a newly created thread from its first
// message.
func ThreadIDForMessage(messageID string) string {
	return "t:" + messageID
}

// LabelFingerprint renders a label set into an order-independent string used
// for change detection during scans.
func LabelFingerprint(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
