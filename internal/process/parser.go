package process

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/vdavid/mailsync/internal/models"
)

func init() {
	// Decode non-UTF-8 headers and body parts instead of erroring out.
	message.CharsetReader = charset.Reader
}

// RawPart is one MIME part as fetched from the server: metadata from the
// body structure plus the still-transfer-encoded payload.
type RawPart struct {
	PartID      string
	ContentType string
	Charset     string
	Encoding    string
	Disposition string
	Filename    string
	ContentID   string
	Size        uint32
	Body        []byte
}

// RawMessage is the fetch engine's hand-off to the processor: the fetched
// header block, the selected body parts, attachment metadata, and the
// flag/label facts observed at fetch time.
type RawMessage struct {
	AccountID        string
	Folder           *models.Category
	UID              uint32
	Header           []byte
	Parts            []RawPart
	Attachments      []RawPart
	Flags            []string
	GmailLabels      []string
	GmailThreadID    string
	LabelIDs         []string
	LabelFingerprint string
	// ThreadHint optionally names a local thread id derived from server-side
	// THREAD grouping; it is advisory.
	ThreadHint string
}

// ParseMessage turns a raw fetched message into a structured record with a
// deterministic id. Re-fetching the same message yields the same id.
func ParseMessage(raw *RawMessage, snippetLen, snippetMaxLen int) (*models.Message, error) {
	entity, err := message.Read(bytes.NewReader(append(raw.Header, '\r', '\n')))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse header block: %w", err)
	}
	header := mail.Header{Header: entity.Header}

	msg := &models.Message{
		AccountID:        raw.AccountID,
		FolderUID:        raw.UID,
		Subject:          decodedSubject(header),
		From:             addressList(header, "From"),
		To:               addressList(header, "To"),
		CC:               addressList(header, "Cc"),
		BCC:              addressList(header, "Bcc"),
		ReplyTo:          addressList(header, "Reply-To"),
		RemoteThreadID:   raw.GmailThreadID,
		LabelIDs:         raw.LabelIDs,
		LabelFingerprint: raw.LabelFingerprint,
	}
	if raw.Folder != nil {
		msg.FolderID = raw.Folder.ID
	}

	if id, err := header.MessageID(); err == nil {
		msg.MessageIDHeader = id
	}
	if inReplyTo, err := header.MsgIDList("In-Reply-To"); err == nil && len(inReplyTo) > 0 {
		msg.InReplyTo = inReplyTo[0]
	}
	if refs, err := header.MsgIDList("References"); err == nil {
		msg.References = refs
	}
	if date, err := header.Date(); err == nil {
		msg.Date = date.UTC()
	} else {
		msg.Date = time.Now().UTC()
	}

	applyFlags(msg, raw.Flags)

	plain, html, err := decodeBodyParts(raw.Parts)
	if err != nil {
		return nil, err
	}
	if html != "" {
		msg.BodyHTML = html
	} else if plain != "" {
		msg.BodyHTML = HTMLifyPlaintext(plain)
	}
	msg.Snippet = ExtractSnippet(plain, html, snippetLen, snippetMaxLen)

	msg.ID = models.MessageID(models.MessageHashInput{
		MessageIDHeader: msg.MessageIDHeader,
		Subject:         msg.Subject,
		From:            msg.From,
		To:              msg.To,
		CC:              msg.CC,
		Date:            msg.Date,
	})

	return msg, nil
}

func decodedSubject(header mail.Header) string {
	subject, err := header.Subject()
	if err != nil {
		// Fall back to the raw value when the encoded word is broken.
		return header.Get("Subject")
	}
	return subject
}

func addressList(header mail.Header, key string) []models.Participant {
	addrs, err := header.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	participants := make([]models.Participant, 0, len(addrs))
	for _, a := range addrs {
		if a.Address == "" {
			continue
		}
		participants = append(participants, models.Participant{Name: a.Name, Email: a.Address})
	}
	return participants
}

func applyFlags(msg *models.Message, flags []string) {
	for _, f := range flags {
		switch f {
		case "\\Seen":
			msg.IsRead = true
		case "\\Flagged":
			msg.IsStarred = true
		case "\\Draft":
			msg.IsDraft = true
		}
	}
}

// decodeBodyParts decodes each desired part per its transfer encoding and
// charset and returns the plaintext and HTML representatives.
func decodeBodyParts(parts []RawPart) (plain, html string, err error) {
	for _, part := range parts {
		body, err := DecodePart(part)
		if err != nil {
			return "", "", fmt.Errorf("failed to decode part %s: %w", part.PartID, err)
		}
		switch {
		case strings.HasPrefix(part.ContentType, "text/html"):
			html += body
		case strings.HasPrefix(part.ContentType, "text/plain"):
			plain += body
		default:
			log.Printf("Warning: desired part %s has unexpected content type %s", part.PartID, part.ContentType)
		}
	}
	return plain, html, nil
}

// DecodePart reverses a part's transfer encoding and converts its charset
// to UTF-8.
func DecodePart(part RawPart) (string, error) {
	var r io.Reader = bytes.NewReader(part.Body)

	switch strings.ToLower(part.Encoding) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, newLineStripper(r))
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "", "7bit", "8bit", "binary":
		// Pass through unchanged.
	default:
		log.Printf("Warning: unknown transfer encoding %q on part %s, passing through", part.Encoding, part.PartID)
	}

	cs := strings.ToLower(part.Charset)
	if cs != "" && cs != "utf-8" && cs != "us-ascii" {
		converted, err := charset.Reader(cs, r)
		if err != nil {
			log.Printf("Warning: unknown charset %q on part %s, reading raw", part.Charset, part.PartID)
		} else {
			r = converted
		}
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read part body: %w", err)
	}
	return string(body), nil
}

// newLineStripper removes CR/LF from a base64 stream, which servers wrap at
// 76 columns.
func newLineStripper(r io.Reader) io.Reader {
	return &lineStripper{r: r}
}

type lineStripper struct {
	r io.Reader
}

func (l *lineStripper) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	kept := 0
	for i := 0; i < n; i++ {
		if p[i] == '\r' || p[i] == '\n' {
			continue
		}
		p[kept] = p[i]
		kept++
	}
	return kept, err
}
