package kernel

import "regexp"

// ansiEscape matches terminal color/formatting control sequences, mirroring
// the pattern the original interpreter-driving client stripped output with.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func stripANSIAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = stripANSI(s)
	}
	return out
}
