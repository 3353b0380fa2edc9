package index

import (
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// BuildEntryPayload renders the stable document template fed to the engine.
// The layout is part of the index contract: re-rendering an unchanged entry
// must produce identical text so upserts stay idempotent.
//
//	Title: <title>
//	Type: <name> (<code>)
//	Tags: a, b, c
//
//	Summary:
//	<summary>
//
//	Content:
//	<content>
//
// Empty sections are omitted entirely.
func BuildEntryPayload(e domain.Entry, t domain.EntryType) string {
	var b strings.Builder
	b.WriteString("Title: ")
	b.WriteString(e.Title)
	if t.Name != "" {
		b.WriteString("\nType: ")
		b.WriteString(t.Name)
		if t.Code != "" {
			b.WriteString(" (")
			b.WriteString(t.Code)
			b.WriteString(")")
		}
	}
	if len(e.Tags) > 0 {
		names := make([]string, 0, len(e.Tags))
		for _, tag := range e.Tags {
			if tag.Name != "" {
				names = append(names, tag.Name)
			}
		}
		if len(names) > 0 {
			b.WriteString("\nTags: ")
			b.WriteString(strings.Join(names, ", "))
		}
	}
	if s := strings.TrimSpace(e.Summary); s != "" {
		b.WriteString("\n\nSummary:\n")
		b.WriteString(s)
	}
	if c := strings.TrimSpace(e.Content); c != "" {
		b.WriteString("\n\nContent:\n")
		b.WriteString(c)
	}
	return b.String()
}

// BuildAttachmentPayload renders the parsed attachment text with enough
// framing for the engine to relate it back to its entry.
func BuildAttachmentPayload(a domain.Attachment, entryTitle string) string {
	var b strings.Builder
	b.WriteString("Attachment: ")
	b.WriteString(a.OriginalFilename)
	if entryTitle != "" {
		b.WriteString("\nEntry: ")
		b.WriteString(entryTitle)
	}
	if t := strings.TrimSpace(a.ParsedText); t != "" {
		b.WriteString("\n\nContent:\n")
		b.WriteString(t)
	}
	return b.String()
}

// Indexable is the type-flag predicate the worker uses to choose upsert vs
// delete. It mirrors domain.EntryType.Indexable and exists so pipeline code
// reads as a single vocabulary.
func Indexable(t domain.EntryType) bool { return t.Indexable() }
