// Package virtualterminal turns the raw byte stream from a board into
// stable 80x24 text screens: CP437 decoding, ANSI interpretation via an
// in-memory terminal, and idle detection for turn pacing.
package virtualterminal

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// DecodeCP437 maps CP437 bytes to Unicode. The low half is ASCII, so
// escape sequences pass through intact; the high half carries the
// box-drawing and accent glyphs BBS art depends on.
func DecodeCP437(data []byte) string {
	var sb strings.Builder
	sb.Grow(len(data))
	for _, b := range data {
		sb.WriteRune(charmap.CodePage437.DecodeByte(b))
	}
	return sb.String()
}
