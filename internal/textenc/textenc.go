// Package textenc decodes the platform-specific high-byte text AOL 3.0
// clients send before it's handed to the chat/IM ASCII substitution step.
// Mac and Windows 3.0 clients shipped distinct native encodings for
// anything above 0x7F; treating those bytes as already-Unicode (as a raw
// string cast does) turns accented characters into mojibake instead of the
// character they actually represent.
package textenc

import (
	"golang.org/x/text/encoding/charmap"

	"p3server/internal/session"
)

// Decode reinterprets s's bytes as the native encoding of platform,
// returning the resulting Unicode text. Unknown platforms pass s through
// unchanged — there's no signal to decode by.
func Decode(s string, platform session.Platform) string {
	var cm *charmap.Charmap
	switch platform {
	case session.PlatformMac:
		cm = charmap.Macintosh
	case session.PlatformWindows:
		cm = charmap.Windows1252
	default:
		return s
	}
	out, err := cm.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}
