// Package msgsplit implements the chunking rule shared by chat (92-char
// limit) and instant messages (512-char limit): split long text into
// frame-sized pieces, preferring a word boundary when one falls usefully
// close to the limit.
package msgsplit

import "strings"

// Split divides s into chunks of at most maxLen bytes. When a chunk would
// need a hard cut, it instead cuts at the last space within the chunk,
// provided that space lies beyond one third of maxLen (otherwise the
// boundary is too early to be worth a short chunk, and the cut is hard).
// The space at a word-boundary cut is consumed, not emitted in either
// chunk, so joining the result with "" reproduces s with boundary spaces
// removed.
func Split(s string, maxLen int) []string {
	if maxLen <= 0 {
		return nil
	}
	if len(s) <= maxLen {
		return []string{s}
	}

	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		if idx := strings.LastIndexByte(s[:maxLen], ' '); idx > maxLen/3 {
			cut = idx
			chunks = append(chunks, s[:cut])
			s = s[cut+1:] // drop the boundary space itself
			continue
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	chunks = append(chunks, s)
	return chunks
}
