package delivery

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessageShortBodyUntouched(t *testing.T) {
	parts := SplitMessage("mensagem curta", 4096)
	if len(parts) != 1 || parts[0] != "mensagem curta" {
		t.Fatalf("short body must come back as one part, got %v", parts)
	}
}

func TestSplitMessageLosslessRejoin(t *testing.T) {
	paragraph := strings.Repeat("Uma frase sobre IA aplicada. ", 20) + "\n\n"
	body := strings.Repeat(paragraph, 40)

	const limit = 1024
	parts := SplitMessage(body, limit)
	if len(parts) < 2 {
		t.Fatalf("expected multiple parts for %d bytes at limit %d", len(body), limit)
	}

	for i, part := range parts {
		full := PartHeader(i+1, len(parts)) + part
		if len(full) > limit {
			t.Errorf("part %d with header exceeds limit: %d > %d", i+1, len(full), limit)
		}
	}

	if rejoined := strings.Join(parts, ""); rejoined != body {
		t.Error("concatenated parts do not reproduce the original body")
	}
}

func TestSplitMessagePrefersParagraphBoundary(t *testing.T) {
	first := strings.Repeat("a", 400) + "\n\n"
	body := first + strings.Repeat("b", 400)

	parts := SplitMessage(body, 500)
	if len(parts) < 2 {
		t.Fatalf("expected a split, got %d parts", len(parts))
	}
	if parts[0] != first {
		t.Errorf("first part should end at the paragraph boundary, got %d bytes", len(parts[0]))
	}
}

func TestSplitMessageSentenceBoundary(t *testing.T) {
	body := "Primeira frase completa. Segunda frase que continua por mais um tempo sem parar nunca"
	parts := SplitMessage(body, len("Primeira frase completa. Segunda")+partPrefixAllowance)
	if len(parts) < 2 {
		t.Fatalf("expected a split, got %v", parts)
	}
	if parts[0] != "Primeira frase completa." {
		t.Errorf("expected cut after sentence terminator, got %q", parts[0])
	}
}

func TestSplitMessageNeverBreaksRunes(t *testing.T) {
	// No spaces: forces hard cuts through multi-byte text.
	body := strings.Repeat("ação", 500)

	parts := SplitMessage(body, 64)
	for i, part := range parts {
		if !utf8.ValidString(part) {
			t.Fatalf("part %d is not valid UTF-8", i+1)
		}
	}
	if strings.Join(parts, "") != body {
		t.Error("concatenated parts do not reproduce the original body")
	}
}

func TestPartHeader(t *testing.T) {
	if got := PartHeader(2, 7); got != "(2/7) " {
		t.Errorf("unexpected header: %q", got)
	}
}
