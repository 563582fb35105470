// Package linecodec encodes text fields into single-line, tab-separated
// records. It is the on-disk format of the cache file store and of the
// model / API-key registry sources.
//
// Every field is escaped so that it never contains a raw line feed,
// carriage return or tab:
//
//	\   -> \\
//	LF  -> \n
//	CR  -> \r
//	TAB -> \t
//
// A raw TAB in an encoded line is therefore always a field separator.
package linecodec

import "strings"

// Sep separates fields within a record.
const Sep = "\t"

var escaper = strings.NewReplacer(
	`\`, `\\`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// Escape returns s in its single-line form.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape. Unknown escape sequences are kept verbatim.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Join escapes each field and joins them into one record.
func Join(fields ...string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = Escape(f)
	}
	return strings.Join(escaped, Sep)
}

// Split splits a record on Sep and unescapes each field. Trailing line
// terminators are removed first.
func Split(line string) []string {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, Sep)
	for i, p := range parts {
		parts[i] = Unescape(p)
	}
	return parts
}

// IsComment reports whether a raw line carries no record: blank lines and
// lines starting with '#'.
func IsComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}
