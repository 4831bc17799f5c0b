package msgsplit

import (
	"strings"
	"testing"
)

func TestSplitShortStringUnchanged(t *testing.T) {
	got := Split("hello", 92)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitEveryChunkWithinLimit(t *testing.T) {
	s := strings.Repeat("a", 300)
	for _, chunk := range Split(s, 92) {
		if len(chunk) > 92 {
			t.Fatalf("chunk length %d exceeds limit", len(chunk))
		}
	}
}

func TestSplitPrefersWordBoundary(t *testing.T) {
	s := strings.Repeat("a", 50) + " " + strings.Repeat("b", 50)
	chunks := Split(s, 60)
	if chunks[0] != strings.Repeat("a", 50) {
		t.Fatalf("expected first chunk to stop at the word boundary, got %q", chunks[0])
	}
}

func TestSplitIgnoresEarlyBoundary(t *testing.T) {
	// A space at index 5 is well under maxLen/3=20, so this must hard-cut
	// at 60 instead of producing a near-empty first chunk.
	s := "short " + strings.Repeat("x", 100)
	chunks := Split(s, 60)
	if len(chunks[0]) != 60 {
		t.Fatalf("expected hard cut at 60, got chunk length %d (%q)", len(chunks[0]), chunks[0])
	}
}

func TestSplitRoundTripWithoutInsertedSpaces(t *testing.T) {
	s := strings.Repeat("word ", 40) // plenty of boundaries beyond 1/3
	chunks := Split(s, 92)
	joined := strings.Join(chunks, "")
	// Every split must have happened at a space, which is dropped; the
	// reconstructed text must never exceed the original length and must
	// match it once trailing/interior single-space splits are accounted
	// for, i.e. it has no hard-cut artifacts (no chunk glued mid-word).
	if len(joined) > len(s) {
		t.Fatalf("joined length %d exceeds original %d", len(joined), len(s))
	}
	for _, chunk := range chunks {
		if len(chunk) > 92 {
			t.Fatalf("chunk exceeds max length: %q", chunk)
		}
	}
}
