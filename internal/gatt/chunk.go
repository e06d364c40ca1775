package gatt

import (
	"strings"
	"unicode/utf8"
)

// ChunkText cuts text into pieces of at most maxBytes bytes each — the
// write path passes mtu-3, the usable value bytes of an ATT Write Request.
// Cuts land after a space when one fits in the budget, so words survive
// intact, and otherwise on a rune boundary; when maxBytes is smaller than
// the next rune, the cut falls mid-rune at maxBytes. Concatenating the chunks
// yields the input exactly. Returns nil for empty text.
func ChunkText(text string, maxBytes int) []string {
	if len(text) == 0 || maxBytes <= 0 {
		return nil
	}
	var chunks []string
	for len(text) > maxBytes {
		cut := cutPoint(text, maxBytes)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

// cutPoint picks where to cut a string known to exceed maxBytes: after
// the last space inside the budget, else at the last rune start, else at
// the raw budget when even a single rune does not fit (a cut mid-rune is
// the only way to guarantee progress there; the receiver reassembles the
// full text, so nothing is lost).
func cutPoint(text string, maxBytes int) int {
	if sp := strings.LastIndexByte(text[:maxBytes], ' '); sp >= 0 {
		// The space travels with the leading chunk, keeping concatenation
		// exact.
		return sp + 1
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = maxBytes
	}
	return cut
}
