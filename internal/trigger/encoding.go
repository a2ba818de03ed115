package trigger

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Decode turns raw trigger bytes into clean UTF-8. It handles UTF-16 with a
// BOM, BOM-less UTF-16LE (as written by some Windows shells), and a UTF-8
// BOM, then strips NUL bytes. changed reports whether the result differs
// from raw.
func Decode(raw []byte) (text string, changed bool) {
	var out []byte
	switch {
	case bytes.HasPrefix(raw, bomUTF16LE), bytes.HasPrefix(raw, bomUTF16BE):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		b, err := dec.Bytes(raw)
		if err != nil {
			out = raw
		} else {
			out = b
		}
	case looksUTF16LE(raw):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
		b, err := dec.Bytes(raw)
		if err != nil {
			out = raw
		} else {
			out = b
		}
	default:
		out = raw
	}

	out = bytes.TrimPrefix(out, bomUTF8)
	if bytes.IndexByte(out, 0) >= 0 {
		out = bytes.ReplaceAll(out, []byte{0}, nil)
	}
	return string(out), !bytes.Equal(out, raw)
}

// looksUTF16LE reports whether most odd bytes are NUL while even bytes are
// not, the shape of ASCII text encoded as UTF-16LE.
func looksUTF16LE(b []byte) bool {
	if len(b) < 4 || len(b)%2 != 0 {
		return false
	}
	var oddNul, evenNul int
	for i := 0; i < len(b); i += 2 {
		if b[i] == 0 {
			evenNul++
		}
		if b[i+1] == 0 {
			oddNul++
		}
	}
	pairs := len(b) / 2
	return oddNul*10 >= pairs*8 && evenNul*10 < pairs
}
