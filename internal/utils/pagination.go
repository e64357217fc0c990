// Package utils holds small parsing helpers shared by the HTTP handlers and
// the services.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault parses s as a base-10 int, returning def when s is blank or
// malformed. Surrounding whitespace is ignored so query values such as
// "?limit= 20" still parse.
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// ClampPage normalises 1-based page parameters. A page below 1 becomes 1, a
// non-positive size becomes def and a size above limit is capped.
func ClampPage(page, size, def, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = def
	}
	if limit > 0 && size > limit {
		size = limit
	}
	return page, size
}
