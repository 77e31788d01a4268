package rcfile

import "strings"

// PropertyGetter is the read-side interface the expander needs from the
// property store.
type PropertyGetter interface {
	Get(key, def string) string
}

// ExpandProps replaces every ${key} reference in s with the current value
// of the property, or the empty string when it is unset. Malformed
// references (unterminated ${) are left verbatim.
func ExpandProps(s string, props PropertyGetter) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:start])
		key := s[start+2 : start+end]
		b.WriteString(props.Get(key, ""))
		s = s[start+end+1:]
	}
}

// ExpandArgs expands every argument of a command at execution time.
func ExpandArgs(args []string, props PropertyGetter) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = ExpandProps(a, props)
	}
	return out
}
