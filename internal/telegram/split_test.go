package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessageShortText(t *testing.T) {
	chunks := SplitMessage("hello\nworld\n")
	if len(chunks) != 1 || chunks[0] != "hello\nworld\n" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if chunks := SplitMessage(""); chunks != nil {
		t.Errorf("chunks = %q, want nil", chunks)
	}
}

func TestSplitMessageOnLineBoundaries(t *testing.T) {
	line := strings.Repeat("x", 100) + "\n"
	text := strings.Repeat(line, 50) // 5050 chars

	chunks := SplitMessage(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !fits(c) {
			t.Errorf("chunk %d exceeds limits (%d bytes)", i, len(c))
		}
		if !strings.HasSuffix(c, "\n") {
			t.Errorf("chunk %d not split on a line boundary", i)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble to the input")
	}
}

func TestSplitMessageOversizedLine(t *testing.T) {
	text := strings.Repeat("y", 9000)

	chunks := SplitMessage(text)
	for i, c := range chunks {
		if !fits(c) {
			t.Errorf("chunk %d exceeds limits", i)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble to the input")
	}
}

func TestSplitMessageMultibyteSafe(t *testing.T) {
	// 3 bytes per rune; the byte cap binds before the char cap.
	text := strings.Repeat("漢", 3000)

	chunks := SplitMessage(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		if len(c) > maxBytes {
			t.Errorf("chunk %d is %d bytes", i, len(c))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble to the input")
	}
}
