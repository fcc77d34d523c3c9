package analysis

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	xunicode "golang.org/x/text/encoding/unicode"
)

// Encoding is the character encoding a string was recovered in.
type Encoding uint8

const (
	ASCII Encoding = iota + 1
	UTF16LE
)

func (e Encoding) String() string {
	switch e {
	case ASCII:
		return "ascii"
	case UTF16LE:
		return "utf-16le"
	}
	return "unknown"
}

// EscapeUnprintable returns a string where printable Unicode runes are preserved.
// Control and unprintable runes are escaped as \uXXXX. Invalid UTF-8 is escaped as \xXX.
func EscapeUnprintable(b []byte) string {
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		switch {
		case r == utf8.RuneError && size == 1:
			fmt.Fprintf(&sb, "\\x%02X", b[0])
		case unicode.IsPrint(r):
			sb.WriteRune(r)
		default:
			fmt.Fprintf(&sb, "\\u%04X", r)
		}
		b = b[size:]
	}
	return sb.String()
}

func printable(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return r != utf8.RuneError && unicode.IsPrint(r)
}

// DecodeString recovers a string of at least minLen printable characters
// from the start of b. ASCII is tried first, then UTF-16LE. The string ends
// at the first NUL or non-printable character; the terminator is not part
// of the result.
func DecodeString(b []byte, minLen int) (string, Encoding, bool) {
	if s, ok := decodeASCII(b, minLen); ok {
		return s, ASCII, true
	}
	if s, ok := decodeUTF16(b, minLen); ok {
		return s, UTF16LE, true
	}
	return "", 0, false
}

func decodeASCII(b []byte, minLen int) (string, bool) {
	n := 0
	for n < len(b) && b[n] < 0x80 && printable(rune(b[n])) {
		n++
	}
	if n == 0 || n < minLen {
		return "", false
	}
	return string(b[:n]), true
}

var utf16le = xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM)

func decodeUTF16(b []byte, minLen int) (string, bool) {
	end := len(b) &^ 1
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			end = i
			break
		}
	}
	if end == 0 {
		return "", false
	}
	dec, err := utf16le.NewDecoder().Bytes(b[:end])
	if err != nil {
		return "", false
	}
	var sb strings.Builder
	count := 0
	for _, r := range string(dec) {
		if !printable(r) {
			break
		}
		sb.WriteRune(r)
		count++
	}
	if count == 0 || count < minLen {
		return "", false
	}
	return sb.String(), true
}

// ParseImm parses an immediate from assembly text: decimal or 0x-prefixed
// hex with an optional sign and leading '#'.
func ParseImm(s string) int64 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	sign := int64(1)
	if strings.HasPrefix(s, "-") {
		sign = -1
		s = strings.TrimPrefix(s, "-")
	}
	s = strings.TrimPrefix(s, "+")
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, _ := strconv.ParseUint(s[2:], 16, 64)
		return sign * int64(v)
	}
	v, _ := strconv.ParseInt(s, 10, 64)
	return sign * v
}
