// Package utils holds tiny helpers shared by the HTTP layer. Nothing in
// here knows about faxes.
package utils

import "strconv"

// AtoiDefault parses s as a base-10 int, falling back to def when s is
// empty or malformed. Query-string pagination params go through this so a
// garbage offset/limit degrades to the default instead of erroring.
func AtoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
