package model

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTitleFromSubject(t *testing.T) {
	if got := TitleFromSubject("short"); got != "short" {
		t.Fatalf("short subject altered: %q", got)
	}

	long := strings.Repeat("x", 80)
	got := TitleFromSubject(long)
	if len(got) > 50 {
		t.Fatalf("title exceeds bound: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated title missing ellipsis: %q", got)
	}
}

func TestTitleFromSubjectMultibyte(t *testing.T) {
	// Every rune is 3 bytes, so a naive byte slice would cut one in
	// half at the bound.
	subject := strings.Repeat("日", 30)
	got := TitleFromSubject(subject)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated title is not valid UTF-8: %q", got)
	}
	if len(got) > 50 {
		t.Fatalf("title exceeds bound: %d bytes", len(got))
	}
}
