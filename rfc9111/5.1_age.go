package rfc9111

import (
	"net/http"
	"strings"
	"time"
)

// §  5.1.  Age
// §
// §       Age = delta-seconds
// §
// §     Although it is defined as a singleton header field, a cache
// §     encountering a message with a list-based Age field value SHOULD use
// §     the first member of the field value, discarding subsequent ones.
// §
// §     If the field value (after discarding additional members, as per
// §     above) is invalid (e.g., it contains something other than a non-
// §     negative integer), a cache SHOULD ignore the field.
func GetAge(header http.Header) (time.Duration, bool) {
	value := header.Get("Age")
	if value == "" {
		return 0, false
	}
	first := strings.TrimSpace(strings.Split(value, ",")[0])
	return deltaSeconds(first)
}

// SetAge replaces any Age field with the given resident time.
func SetAge(header http.Header, age time.Duration) {
	header.Set("Age", toDeltaSeconds(age))
}
