package sync

import (
	"log"
	"sort"
	"strconv"
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/mailsync/internal/process"
)

// selectedPart is one MIME part chosen for download: its numeric fetch path
// plus the metadata the parser needs to decode it.
type selectedPart struct {
	Path []int
	Raw  process.RawPart
}

// partSelection is the outcome of walking one message's body structure.
type partSelection struct {
	Desired     []selectedPart
	Attachments []process.RawPart
}

// Fingerprint identifies the exact set of body sections this selection
// downloads. Messages sharing a fingerprint can go into one FETCH command.
func (s *partSelection) Fingerprint() string {
	ids := make([]string, 0, len(s.Desired))
	for _, p := range s.Desired {
		ids = append(ids, p.Raw.PartID+";"+p.Raw.ContentType)
	}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// selectParts walks a BODYSTRUCTURE and decides which parts to download.
// Text bodies are desired; within a multipart/alternative only the richest
// representative (HTML when present) survives; attachments are recorded as
// metadata without downloading their payload.
func selectParts(structure *goimap.BodyStructure) *partSelection {
	selection := &partSelection{}
	if structure == nil {
		return selection
	}
	walkStructure(structure, nil, selection)
	return selection
}

func walkStructure(node *goimap.BodyStructure, path []int, selection *partSelection) {
	if strings.EqualFold(node.MIMEType, "multipart") {
		children := node.Parts
		if strings.EqualFold(node.MIMESubType, "alternative") {
			children = alternativeSurvivors(node.Parts)
		}
		for i, child := range node.Parts {
			if !containsPart(children, child) {
				continue
			}
			walkStructure(child, append(path, i+1), selection)
		}
		return
	}

	raw := rawPartMeta(node, path)
	switch {
	case isAttachment(node):
		selection.Attachments = append(selection.Attachments, raw)
	case strings.EqualFold(node.MIMEType, "text") &&
		(strings.EqualFold(node.MIMESubType, "plain") || strings.EqualFold(node.MIMESubType, "html")):
		selection.Desired = append(selection.Desired, selectedPart{Path: append([]int(nil), path...), Raw: raw})
	case node.Id != "":
		// Inline part referenced by Content-ID, usually an embedded image.
		selection.Attachments = append(selection.Attachments, raw)
	default:
		log.Printf("Warning: skipping unhandled body part %s (%s/%s)", raw.PartID, node.MIMEType, node.MIMESubType)
	}
}

// alternativeSurvivors picks which children of a multipart/alternative to
// keep. When any branch can render as HTML, the plaintext siblings are
// dropped; otherwise everything stays.
func alternativeSurvivors(parts []*goimap.BodyStructure) []*goimap.BodyStructure {
	var html []*goimap.BodyStructure
	for _, part := range parts {
		if branchHasHTML(part) {
			html = append(html, part)
		}
	}
	if len(html) > 0 {
		return html
	}
	return parts
}

func branchHasHTML(node *goimap.BodyStructure) bool {
	if strings.EqualFold(node.MIMEType, "text") && strings.EqualFold(node.MIMESubType, "html") {
		return true
	}
	for _, child := range node.Parts {
		if branchHasHTML(child) {
			return true
		}
	}
	return false
}

func containsPart(parts []*goimap.BodyStructure, target *goimap.BodyStructure) bool {
	for _, p := range parts {
		if p == target {
			return true
		}
	}
	return false
}

func isAttachment(node *goimap.BodyStructure) bool {
	if strings.EqualFold(node.Disposition, "attachment") {
		return true
	}
	if _, ok := node.DispositionParams["filename"]; ok {
		return true
	}
	_, ok := node.Params["name"]
	return ok
}

func rawPartMeta(node *goimap.BodyStructure, path []int) process.RawPart {
	filename := node.DispositionParams["filename"]
	if filename == "" {
		filename = node.Params["name"]
	}
	return process.RawPart{
		PartID:      partID(path),
		ContentType: strings.ToLower(node.MIMEType + "/" + node.MIMESubType),
		Charset:     node.Params["charset"],
		Encoding:    node.Encoding,
		Disposition: node.Disposition,
		Filename:    filename,
		ContentID:   node.Id,
		Size:        node.Size,
	}
}

// partID renders a fetch path as the dotted section name IMAP uses. A
// single-part message body is section "1" fetched via an empty path.
func partID(path []int) string {
	if len(path) == 0 {
		return "1"
	}
	segments := make([]string, len(path))
	for i, p := range path {
		segments[i] = strconv.Itoa(p)
	}
	return strings.Join(segments, ".")
}

// sectionFor builds the body section fetch item for a selected part. Peek
// avoids setting \Seen as a side effect of syncing. A single-part message
// has an empty path and is fetched as BODY[TEXT] so headers stay out of the
// body payload.
func sectionFor(part selectedPart) *goimap.BodySectionName {
	if len(part.Path) == 0 {
		return &goimap.BodySectionName{
			BodyPartName: goimap.BodyPartName{Specifier: goimap.TextSpecifier},
			Peek:         true,
		}
	}
	return &goimap.BodySectionName{
		BodyPartName: goimap.BodyPartName{Path: append([]int(nil), part.Path...)},
		Peek:         true,
	}
}

// headerSection fetches only the headers the processor consumes.
func headerSection() *goimap.BodySectionName {
	return &goimap.BodySectionName{
		BodyPartName: goimap.BodyPartName{
			Specifier: goimap.HeaderSpecifier,
			Fields: []string{
				"From", "To", "Cc", "Bcc", "Reply-To", "Subject", "Date",
				"Message-ID", "In-Reply-To", "References",
			},
		},
		Peek: true,
	}
}
