package sync

import (
	"context"
	"log"
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// Special-use mailbox attributes (RFC 6154) mapped to semantic roles. Gmail
// and most modern servers advertise these on LIST.
var attributeRoles = map[string]models.Role{
	"\\Sent":      models.RoleSent,
	"\\Drafts":    models.RoleDrafts,
	"\\Trash":     models.RoleTrash,
	"\\Junk":      models.RoleSpam,
	"\\All":       models.RoleAll,
	"\\Flagged":   models.RoleStarred,
	"\\Important": models.RoleImportant,
	"\\Inbox":     models.RoleInbox,
}

// Localized folder names, matched against the last path segment when a role
// is still unassigned after the attribute pass. A role is assigned by name
// only when exactly one candidate folder carries it.
var nameRoles = map[string]models.Role{
	"inbox":              models.RoleInbox,
	"sent":               models.RoleSent,
	"sent items":         models.RoleSent,
	"sent messages":      models.RoleSent,
	"sent mail":          models.RoleSent,
	"gesendet":           models.RoleSent,
	"gesendete elemente": models.RoleSent,
	"trash":              models.RoleTrash,
	"deleted items":      models.RoleTrash,
	"deleted messages":   models.RoleTrash,
	"papierkorb":         models.RoleTrash,
	"corbeille":          models.RoleTrash,
	"bin":                models.RoleTrash,
	"spam":               models.RoleSpam,
	"junk":               models.RoleSpam,
	"junk mail":          models.RoleSpam,
	"junk e-mail":        models.RoleSpam,
	"bulk mail":          models.RoleSpam,
	"drafts":             models.RoleDrafts,
	"draft":              models.RoleDrafts,
	"entwürfe":           models.RoleDrafts,
	"brouillons":         models.RoleDrafts,
	"all mail":           models.RoleAll,
	"all":                models.RoleAll,
	"important":          models.RoleImportant,
	"starred":            models.RoleStarred,
}

type remoteFolder struct {
	name      string
	delimiter string
	role      models.Role
	isLabel   bool
}

// ReconcileFolders mirrors the server's folder list into local categories:
// new folders are created, vanished ones are deleted with their messages
// detached, and semantic roles are reassigned. All local writes happen in
// one transaction. Returns the reconciled category list.
func ReconcileFolders(ctx context.Context, pool *pgxpool.Pool, conn *imap.Connection, account *models.Account) ([]*models.Category, error) {
	boxes, err := conn.ListBoxes(ctx)
	if err != nil {
		return nil, err
	}

	remote := selectableFolders(boxes)
	assignRoles(remote)
	markLabels(remote, account.Provider, conn.SupportsGmailExt())

	existing, err := store.GetCategories(ctx, pool, account.ID)
	if err != nil {
		return nil, err
	}
	existingByName := make(map[string]*models.Category, len(existing))
	for _, cat := range existing {
		existingByName[cat.Name] = cat
	}

	var create []*models.Category
	roleChanges := make(map[string]models.Role)
	seen := make(map[string]bool, len(remote))

	for _, rf := range remote {
		seen[rf.name] = true
		if cat, ok := existingByName[rf.name]; ok {
			if cat.Role != rf.role {
				roleChanges[cat.ID] = rf.role
			}
			continue
		}
		create = append(create, &models.Category{
			ID:        models.CategoryID(account.ID, rf.name),
			AccountID: account.ID,
			Name:      rf.name,
			IsLabel:   rf.isLabel,
			Role:      rf.role,
		})
	}

	var deleteIDs []string
	for _, cat := range existing {
		if !seen[cat.Name] {
			deleteIDs = append(deleteIDs, cat.ID)
		}
	}

	if err := store.ReconcileCategories(ctx, pool, account.ID, create, deleteIDs, roleChanges); err != nil {
		return nil, err
	}
	return store.GetCategories(ctx, pool, account.ID)
}

// selectableFolders drops containers that cannot hold messages.
func selectableFolders(boxes []*goimap.MailboxInfo) []*remoteFolder {
	var folders []*remoteFolder
	for _, box := range boxes {
		skip := false
		for _, attr := range box.Attributes {
			if attr == goimap.NoSelectAttr || attr == "\\NonExistent" {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		folders = append(folders, &remoteFolder{name: box.Name, delimiter: box.Delimiter, role: roleFromAttributes(box.Attributes)})
	}
	return folders
}

func roleFromAttributes(attrs []string) models.Role {
	for _, attr := range attrs {
		if role, ok := attributeRoles[attr]; ok {
			return role
		}
	}
	return ""
}

// assignRoles enforces role uniqueness and fills gaps from localized names.
// Attribute-derived roles win; duplicates lose their claim. A role left
// unassigned is then matched by name, but only when a single candidate
// exists, so "Sent" next to "Sent Items" assigns nothing.
func assignRoles(folders []*remoteFolder) {
	taken := make(map[models.Role]bool)

	for _, f := range folders {
		if strings.EqualFold(f.name, "INBOX") {
			f.role = models.RoleInbox
		}
		if f.role == "" {
			continue
		}
		if taken[f.role] {
			log.Printf("Warning: role %q claimed by multiple folders, ignoring %q", f.role, f.name)
			f.role = ""
			continue
		}
		taken[f.role] = true
	}

	candidates := make(map[models.Role][]*remoteFolder)
	for _, f := range folders {
		if f.role != "" {
			continue
		}
		segment := strings.ToLower(lastSegment(f.name, f.delimiter))
		role, ok := nameRoles[segment]
		if !ok || taken[role] {
			continue
		}
		candidates[role] = append(candidates[role], f)
	}
	for role, matches := range candidates {
		if len(matches) == 1 {
			matches[0].role = role
			taken[role] = true
		}
	}
}

// markLabels splits Gmail categories into folders and labels. All Mail,
// trash and spam are real containers even on Gmail (every message lives in
// exactly one of them); everything else there acts as a tag.
func markLabels(folders []*remoteFolder, provider models.Provider, gmailExt bool) {
	if provider != models.ProviderGmail && !gmailExt {
		return
	}
	for _, f := range folders {
		switch f.role {
		case models.RoleAll, models.RoleTrash, models.RoleSpam:
			f.isLabel = false
		default:
			f.isLabel = true
		}
	}
}

func lastSegment(name, delimiter string) string {
	if delimiter == "" {
		return name
	}
	parts := strings.Split(name, delimiter)
	return parts[len(parts)-1]
}
