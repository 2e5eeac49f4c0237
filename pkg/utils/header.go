package utils

import (
	"strings"
)

// ParseHeaderValue splits a MIME header value of the form
//
//	value; name1=param1; name2="param 2"
//
// into its leading value and a map of parameters. Parameter names are
// lower-cased; values may be bare, double-quoted or single-quoted. Unlike
// mime.ParseMediaType the leading value may contain base64 characters.
func ParseHeaderValue(header string) (string, map[string]string) {
	fields := splitUnquoted(header, ';')
	params := make(map[string]string)
	if len(fields) == 0 {
		return "", params
	}

	value := strings.TrimSpace(fields[0])
	for _, field := range fields[1:] {
		name, raw, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		params[name] = unquote(strings.TrimSpace(raw))
	}
	return value, params
}

// splitUnquoted splits s on sep, ignoring separators inside quotes.
func splitUnquoted(s string, sep rune) []string {
	var (
		fields []string
		quote  rune
		start  int
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == sep:
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	return append(fields, s[start:])
}

func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return s
}
