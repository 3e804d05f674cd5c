// Package csvline splits CSV text into lines and fields.
//
// ParseLine never fails: unterminated quoted text stays in the last field and
// whitespace around every field is trimmed.
package csvline

import "strings"

// ParseLine splits one CSV line into trimmed field values.
//
// A doubled quote inside a quoted field yields a literal quote; any other quote
// toggles quoting and is dropped. Commas split fields only outside quotes.
func ParseLine(line string) []string {
	var (
		fields  []string
		buf     strings.Builder
		inQuote bool
	)

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if inQuote && i+1 < len(line) && line[i+1] == '"' {
				buf.WriteByte('"')
				i++
				continue
			}
			inQuote = !inQuote
		case c == ',' && !inQuote:
			fields = append(fields, strings.TrimSpace(buf.String()))
			buf.Reset()
		default:
			buf.WriteByte(c)
		}
	}
	return append(fields, strings.TrimSpace(buf.String()))
}

// SplitLines splits text on '\n', strips a trailing '\r' from each line and drops
// lines that are empty after trimming whitespace.
func SplitLines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Quote wraps s in double quotes, doubling any quotes it contains.
func Quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
