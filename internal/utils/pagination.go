// Package utils provides small, generic helpers for parsing query input and
// paging result sets. These utilities are independent of domain logic.
package utils

import "strconv"

const (
	// DefaultPageSize is used when the caller does not ask for a size.
	DefaultPageSize = 50
	// MaxPageSize caps a single page.
	MaxPageSize = 500
)

// AtoiDefault converts s to an int, returning def when s is empty or not a
// valid integer.
//
//	n := utils.AtoiDefault("42", 0) // 42
//	n = utils.AtoiDefault("x", 5)   // 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParseID parses a platform id. Ids are signed (channels and supergroups are
// negative) but never zero.
func ParseID(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// ParseIDDefault is ParseID with a fallback for empty or invalid input.
func ParseIDDefault(s string, def int64) int64 {
	if n, ok := ParseID(s); ok {
		return n
	}
	return def
}

// NormalizePage clamps page to >= 1 and size to [1, MaxPageSize], using
// DefaultPageSize for a non-positive size.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// Offset returns the row offset of a normalized page.
func Offset(page, size int) int {
	page, size = NormalizePage(page, size)
	return (page - 1) * size
}

// TotalPages returns how many pages of size hold total rows.
func TotalPages(total int64, size int) int {
	_, size = NormalizePage(1, size)
	if total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
