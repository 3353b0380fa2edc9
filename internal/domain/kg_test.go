package domain

import "testing"

func TestParseDocRef_Entry(t *testing.T) {
	ref := ParseDocRef("0a4f2c1e-9f6f-4f1a-8a39-0f1f9f0a1b2c", "0a4f2c1e-9f6f-4f1a-8a39-0f1f9f0a1b2c")
	if ref.Kind != SourceKindEntry {
		t.Fatalf("kind = %s, want entry", ref.Kind)
	}
	if ref.EntryID != "0a4f2c1e-9f6f-4f1a-8a39-0f1f9f0a1b2c" {
		t.Fatalf("entry_id = %q", ref.EntryID)
	}
	if ref.AttachmentID != "" {
		t.Fatalf("attachment_id should be empty, got %q", ref.AttachmentID)
	}
}

func TestParseDocRef_AttachmentPrefix(t *testing.T) {
	ref := ParseDocRef("attachment:att-1", "entry-1/attachments/att-1")
	if ref.Kind != SourceKindAttachment {
		t.Fatalf("kind = %s, want attachment", ref.Kind)
	}
	if ref.EntryID != "entry-1" || ref.AttachmentID != "att-1" {
		t.Fatalf("got entry %q attachment %q", ref.EntryID, ref.AttachmentID)
	}
}

func TestParseDocRef_RecoversDroppedPrefix(t *testing.T) {
	// Upstream results sometimes lose the attachment: prefix; the composite
	// file_path alone must still identify the attachment.
	ref := ParseDocRef("", "entry-9/attachments/att-9")
	if ref.Kind != SourceKindAttachment {
		t.Fatalf("kind = %s, want attachment", ref.Kind)
	}
	if ref.EntryID != "entry-9" || ref.AttachmentID != "att-9" {
		t.Fatalf("got entry %q attachment %q", ref.EntryID, ref.AttachmentID)
	}
}

func TestParseDocRef_MultiValueFilePathKeepsFirst(t *testing.T) {
	ref := ParseDocRef("", "entry-1/attachments/att-1<SEP>entry-2/attachments/att-2")
	if ref.EntryID != "entry-1" || ref.AttachmentID != "att-1" {
		t.Fatalf("got entry %q attachment %q, want first value", ref.EntryID, ref.AttachmentID)
	}
}

func TestFirstFilePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"a<SEP>b<SEP>c", "a"},
		{"plain", "plain"},
		{"  padded <SEP>x", "padded"},
		{"", ""},
	}
	for _, c := range cases {
		if got := FirstFilePath(c.in); got != c.want {
			t.Fatalf("FirstFilePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestAttachmentDocConventions(t *testing.T) {
	if got := AttachmentDocID("att-1"); got != "attachment:att-1" {
		t.Fatalf("AttachmentDocID = %q", got)
	}
	if got := AttachmentFilePath("e-1", "att-1"); got != "e-1/attachments/att-1" {
		t.Fatalf("AttachmentFilePath = %q", got)
	}
	if got := EntryDocID("e-1"); got != "e-1" {
		t.Fatalf("EntryDocID = %q", got)
	}
}

func TestValidKGMode(t *testing.T) {
	for _, m := range []KGQueryMode{KGModeNaive, KGModeLocal, KGModeGlobal, KGModeHybrid, KGModeMix} {
		if !ValidKGMode(m) {
			t.Fatalf("mode %s should be valid", m)
		}
	}
	if ValidKGMode("bm25") {
		t.Fatalf("unknown mode accepted")
	}
}
