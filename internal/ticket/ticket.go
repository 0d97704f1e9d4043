// Package ticket issues ticket identifiers and encodes/decodes the scannable
// credential payload attached to registrations.
package ticket

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

const idSuffixLen = 9

var idPattern = regexp.MustCompile(`^TKT-\d+-[0-9A-Z]{9}$`)

// NewID returns a ticket identifier of the form
// TKT-<millisecond-epoch>-<9-character uppercase base36 suffix>.
// Uniqueness is probabilistic; the persistence layer enforces it with a
// unique constraint and callers retry generation on collision.
func NewID() string {
	suffix := make([]byte, idSuffixLen)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// nanosecond tail so the caller still gets a well-formed ID.
		return fmt.Sprintf("TKT-%d-%09d", time.Now().UnixMilli(), time.Now().UnixNano()%1_000_000_000)
	}
	for i, b := range suffix {
		suffix[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return fmt.Sprintf("TKT-%d-%s", time.Now().UnixMilli(), suffix)
}

// ValidID reports whether the string matches the ticket ID format.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}
