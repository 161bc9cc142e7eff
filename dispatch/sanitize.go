package dispatch

import "strings"

// maxOutputBytes caps stdout and stderr carried back to the caller.
const maxOutputBytes = 64 << 10

const truncationMarker = "\n[Output truncated]"

// sanitizeOutput truncates to 64 KiB and strips control bytes, preserving
// newlines, carriage returns and tabs.
func sanitizeOutput(s string) string {
	if len(s) > maxOutputBytes {
		s = s[:maxOutputBytes] + truncationMarker
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if r < 0x20 || r == 0x7F {
			return -1
		}
		return r
	}, s)
}
