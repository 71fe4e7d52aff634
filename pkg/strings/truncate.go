package strings

import (
	"strings"
)

// MaxStatusFieldLen is the width `status`/`list` clamp a free-form field
// (a unit's LastError text) to, so one row never wraps the table.
const MaxStatusFieldLen = 80

// MinTruncateLen is the smallest maxLen TruncateOneLine accepts — below it
// there isn't room for even one rune plus "...".
const MinTruncateLen = 4

// TruncateOneLine collapses s to a single line (newlines/tabs folded to a
// single space) and clamps it to maxLen runes, appending "..." when cut.
func TruncateOneLine(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
