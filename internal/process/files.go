package process

import (
	"context"
	"log"
	"mime"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// ExtractFiles records attachment metadata for a message. File ids are
// derived from the owning message, so re-processing inserts nothing new.
func ExtractFiles(ctx context.Context, pool *pgxpool.Pool, msg *models.Message, attachments []RawPart) error {
	for _, part := range attachments {
		file := &models.File{
			ID:          models.FileID(msg.ID, part.PartID, int64(part.Size)),
			AccountID:   msg.AccountID,
			MessageID:   msg.ID,
			PartID:      part.PartID,
			Filename:    attachmentFilename(part),
			ContentType: part.ContentType,
			ContentID:   strings.Trim(part.ContentID, "<>"),
			Encoding:    part.Encoding,
			Size:        int64(part.Size),
		}
		if err := store.SaveFile(ctx, pool, file); err != nil {
			log.Printf("Warning: failed to save file %s for message %s: %v", file.Filename, msg.ID, err)
		}
	}
	return nil
}

func attachmentFilename(part RawPart) string {
	if part.Filename == "" {
		return "untitled"
	}
	decoded, err := new(mime.WordDecoder).DecodeHeader(part.Filename)
	if err != nil {
		return part.Filename
	}
	return decoded
}
