package utils

import "strings"

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

// FirstNonEmpty returns the first value that is not blank after trimming.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
