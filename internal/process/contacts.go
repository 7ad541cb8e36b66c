package process

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// ExtractContacts upserts every participant of a message into the contact
// directory. A later message with a display name fills in a contact that was
// first seen bare, and never blanks one out.
func ExtractContacts(ctx context.Context, pool *pgxpool.Pool, msg *models.Message) {
	seen := make(map[string]bool)
	participants := msg.Participants()
	participants = append(participants, msg.BCC...)

	for _, p := range participants {
		email := normalizeEmail(p.Email)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true

		contact := &models.Contact{
			ID:        models.ContactID(email),
			AccountID: msg.AccountID,
			Name:      p.Name,
			Email:     email,
		}
		if err := store.UpsertContact(ctx, pool, contact); err != nil {
			log.Printf("Warning: failed to upsert contact %s: %v", email, err)
		}
	}
}
