package sync

import (
	"testing"

	goimap "github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textPart(subType string) *goimap.BodyStructure {
	return &goimap.BodyStructure{
		MIMEType:    "text",
		MIMESubType: subType,
		Params:      map[string]string{"charset": "utf-8"},
		Encoding:    "quoted-printable",
	}
}

func multipart(subType string, parts ...*goimap.BodyStructure) *goimap.BodyStructure {
	return &goimap.BodyStructure{MIMEType: "multipart", MIMESubType: subType, Parts: parts}
}

func desiredIDs(selection *partSelection) []string {
	var ids []string
	for _, p := range selection.Desired {
		ids = append(ids, p.Raw.PartID)
	}
	return ids
}

func TestSelectPartsNilStructure(t *testing.T) {
	selection := selectParts(nil)
	assert.Empty(t, selection.Desired)
	assert.Empty(t, selection.Attachments)
}

func TestSelectPartsSinglePartBody(t *testing.T) {
	selection := selectParts(textPart("plain"))

	require.Len(t, selection.Desired, 1)
	part := selection.Desired[0]
	assert.Empty(t, part.Path, "a single-part body has no numeric path")
	assert.Equal(t, "1", part.Raw.PartID)
	assert.Equal(t, "text/plain", part.Raw.ContentType)
	assert.Equal(t, "utf-8", part.Raw.Charset)

	section := sectionFor(part)
	assert.Equal(t, goimap.TextSpecifier, section.Specifier, "fetched as BODY[TEXT], headers excluded")
	assert.True(t, section.Peek)
}

func TestSelectPartsAlternativePrefersHTML(t *testing.T) {
	selection := selectParts(multipart("alternative", textPart("plain"), textPart("html")))

	require.Len(t, selection.Desired, 1, "only the richest alternative survives")
	assert.Equal(t, []string{"2"}, desiredIDs(selection))
	assert.Equal(t, "text/html", selection.Desired[0].Raw.ContentType)

	section := sectionFor(selection.Desired[0])
	assert.Equal(t, []int{2}, section.Path)
}

func TestSelectPartsAlternativeWithoutHTMLKeepsPlain(t *testing.T) {
	selection := selectParts(multipart("alternative", textPart("plain")))

	require.Len(t, selection.Desired, 1)
	assert.Equal(t, "text/plain", selection.Desired[0].Raw.ContentType)
	assert.Equal(t, "1", selection.Desired[0].Raw.PartID)
}

func TestSelectPartsMixedWithAttachment(t *testing.T) {
	pdf := &goimap.BodyStructure{
		MIMEType:          "application",
		MIMESubType:       "pdf",
		Disposition:       "attachment",
		DispositionParams: map[string]string{"filename": "invoice.pdf"},
		Size:              2048,
	}
	structure := multipart("mixed",
		multipart("alternative", textPart("plain"), textPart("html")),
		pdf,
	)

	selection := selectParts(structure)

	assert.Equal(t, []string{"1.2"}, desiredIDs(selection), "html branch of the nested alternative")
	require.Len(t, selection.Attachments, 1)
	attachment := selection.Attachments[0]
	assert.Equal(t, "2", attachment.PartID)
	assert.Equal(t, "application/pdf", attachment.ContentType)
	assert.Equal(t, "invoice.pdf", attachment.Filename)
	assert.Equal(t, uint32(2048), attachment.Size)
}

func TestSelectPartsInlineImageIsAttachment(t *testing.T) {
	image := &goimap.BodyStructure{
		MIMEType:    "image",
		MIMESubType: "png",
		Id:          "<logo@example.com>",
	}
	selection := selectParts(multipart("related", textPart("html"), image))

	assert.Equal(t, []string{"1"}, desiredIDs(selection))
	require.Len(t, selection.Attachments, 1)
	assert.Equal(t, "image/png", selection.Attachments[0].ContentType)
	assert.Equal(t, "<logo@example.com>", selection.Attachments[0].ContentID)
}

func TestSelectPartsNamedPartIsAttachment(t *testing.T) {
	// No disposition, but a name parameter still marks it an attachment.
	csv := &goimap.BodyStructure{
		MIMEType:    "text",
		MIMESubType: "csv",
		Params:      map[string]string{"name": "report.csv"},
	}
	selection := selectParts(multipart("mixed", textPart("plain"), csv))

	assert.Equal(t, []string{"1"}, desiredIDs(selection))
	require.Len(t, selection.Attachments, 1)
	assert.Equal(t, "report.csv", selection.Attachments[0].Filename)
}

func TestFingerprintGroupsIdenticalSelections(t *testing.T) {
	a := selectParts(multipart("alternative", textPart("plain"), textPart("html")))
	b := selectParts(multipart("alternative", textPart("plain"), textPart("html")))
	c := selectParts(textPart("plain"))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Equal(t, "2;text/html", a.Fingerprint())
}
