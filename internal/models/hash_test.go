package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageIDIsIdempotent(t *testing.T) {
	in := MessageHashInput{
		MessageIDHeader: "<abc@example.com>",
		Subject:         "Project Update",
		From:            []Participant{{Name: "Alice", Email: "alice@example.com"}},
		To:              []Participant{{Email: "bob@example.com"}, {Email: "carol@example.com"}},
		Date:            time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
	}

	first := MessageID(in)
	second := MessageID(in)

	assert.Equal(t, first, second, "same header block must hash to the same id")
	assert.Len(t, first, 64)
}

func TestMessageIDChangesWithHeaders(t *testing.T) {
	base := MessageHashInput{
		MessageIDHeader: "<abc@example.com>",
		Subject:         "Project Update",
		From:            []Participant{{Email: "alice@example.com"}},
		Date:            time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
	}

	other := base
	other.Subject = "Project Update v2"

	assert.NotEqual(t, MessageID(base), MessageID(other))
}

func TestMessageIDNormalizesAddressCase(t *testing.T) {
	lower := MessageHashInput{
		MessageIDHeader: "<abc@example.com>",
		From:            []Participant{{Email: "alice@example.com"}},
	}
	upper := lower
	upper.From = []Participant{{Email: "Alice@Example.com "}}

	assert.Equal(t, MessageID(lower), MessageID(upper))
}

func TestCategoryID(t *testing.T) {
	a := CategoryID("account-1", "INBOX")
	b := CategoryID("account-1", "INBOX")
	c := CategoryID("account-2", "INBOX")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLabelFingerprintIsOrderIndependent(t *testing.T) {
	a := LabelFingerprint([]string{"\\Inbox", "work", "travel"})
	b := LabelFingerprint([]string{"travel", "\\Inbox", "work"})

	assert.Equal(t, a, b)
	assert.Empty(t, LabelFingerprint(nil))
}

func TestSyncStateAddFailedUIDDeduplicates(t *testing.T) {
	var s SyncState
	s.AddFailedUID(7)
	s.AddFailedUID(9)
	s.AddFailedUID(7)

	assert.Equal(t, []uint32{7, 9}, s.FailedUIDs)
}
