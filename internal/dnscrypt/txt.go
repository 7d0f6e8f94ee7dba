package dnscrypt

import (
	"fmt"
	"strings"
)

// PackTXT returns b as a TXT character string in presentation format with
// non-printable bytes, quotes, and backslashes escaped.
func PackTXT(b []byte) (s string) {
	sb := &strings.Builder{}
	sb.Grow(len(b) * 2)

	for _, c := range b {
		switch {
		case c == '"' || c == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c < ' ' || c > '~':
			_, _ = fmt.Fprintf(sb, "\\%03d", c)
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// UnpackTXT is the inverse of [PackTXT].
func UnpackTXT(s string) (b []byte, err error) {
	b = make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b = append(b, c)

			continue
		}

		i++
		if i == len(s) {
			return nil, fmt.Errorf("trailing backslash at %d", i-1)
		}

		if i+2 < len(s) && isDigit(s[i]) && isDigit(s[i+1]) && isDigit(s[i+2]) {
			v := int(s[i]-'0')*100 + int(s[i+1]-'0')*10 + int(s[i+2]-'0')
			if v > 0xff {
				return nil, fmt.Errorf("bad escape %q at %d", s[i:i+3], i-1)
			}

			b = append(b, byte(v))
			i += 2

			continue
		}

		b = append(b, s[i])
	}

	return b, nil
}

// isDigit returns true if c is an ASCII digit.
func isDigit(c byte) (ok bool) {
	return c >= '0' && c <= '9'
}
