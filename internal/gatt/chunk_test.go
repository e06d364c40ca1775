package gatt

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkText(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		maxBytes   int
		wantChunks int
		wantFirst  string // "" to skip
	}{
		{"fits in one", "hello world", 50, 1, "hello world"},
		{"exact fit", strings.Repeat("a", 50), 50, 1, ""},
		{"one byte over", strings.Repeat("a", 51), 50, 2, ""},
		{"splits after a space", "the quick brown fox jumps over the lazy dog sleeping today", 50, 2, "the quick brown fox jumps over the lazy dog "},
		{"long word cut mid-word", strings.Repeat("x", 60), 50, 2, strings.Repeat("x", 50)},
		{"spaceless 100 bytes at mtu 23", strings.Repeat("A", 100), 23 - 3, 5, strings.Repeat("A", 20)},
		{"emoji pairs", "\U0001F600\U0001F601\U0001F602\U0001F603\U0001F604", 10, 3, "\U0001F600\U0001F601"},
		{"budget below one rune", "\U0001F600", 1, 4, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := ChunkText(tt.text, tt.maxBytes)
			if len(chunks) != tt.wantChunks {
				t.Fatalf("got %d chunks %q, want %d", len(chunks), chunks, tt.wantChunks)
			}
			if tt.wantFirst != "" && chunks[0] != tt.wantFirst {
				t.Errorf("chunk[0] = %q, want %q", chunks[0], tt.wantFirst)
			}
			for i, c := range chunks {
				if len(c) > tt.maxBytes {
					t.Errorf("chunk[%d] len=%d exceeds max=%d", i, len(c), tt.maxBytes)
				}
			}
			if got := strings.Join(chunks, ""); got != tt.text {
				t.Errorf("concatenation = %q, want the input back", got)
			}
		})
	}
}

func TestChunkTextDegenerateInputs(t *testing.T) {
	if got := ChunkText("", 50); got != nil {
		t.Errorf("empty text should chunk to nil, got %v", got)
	}
	if got := ChunkText("hello", 0); got != nil {
		t.Errorf("zero budget should chunk to nil, got %v", got)
	}
	if got := ChunkText("hello", -3); got != nil {
		t.Errorf("negative budget should chunk to nil, got %v", got)
	}
}

// TestChunkTextKeepsRunesWhole verifies no chunk starts or ends inside a
// multi-byte rune whenever the budget can hold one at all.
func TestChunkTextKeepsRunesWhole(t *testing.T) {
	text := "héllo wörld ünïcode tëxt with àccents ánd ümlauts"
	for maxBytes := 4; maxBytes <= 24; maxBytes++ {
		for i, c := range ChunkText(text, maxBytes) {
			if !utf8.ValidString(c) {
				t.Errorf("maxBytes=%d chunk[%d] = %q is not valid UTF-8", maxBytes, i, c)
			}
		}
	}
}

func TestChunkTextFixedSizesForSpacelessInput(t *testing.T) {
	// Spec scenario: a spaceless payload cuts into full-budget chunks with
	// only the tail short.
	chunks := ChunkText(strings.Repeat("A", 100), 20)
	for i, c := range chunks[:len(chunks)-1] {
		if len(c) != 20 {
			t.Errorf("chunk[%d] len=%d, want 20", i, len(c))
		}
	}
}
