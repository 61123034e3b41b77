// Package ids generates and checks the identifiers opsync assigns on the
// device: record local ids, the device id and locally detected conflict ids.
//
// A record's local id doubles as its remote id, so ids supplied by callers are
// held to what the remote accepts.
package ids

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	apperrors "github.com/kimhsiao/opsync/internal/errors"
)

// MaxLen is the longest id the remote stores.
const MaxLen = 128

// New returns a random version 4 UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// Prefixed returns prefix followed by a new UUID.
func Prefixed(prefix string) string {
	return prefix + uuid.NewString()
}

// IsGenerated reports whether s looks like an id returned by New.
func IsGenerated(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4 && id.Variant() == uuid.RFC4122 && id.String() == s
}

// Check validates a caller-supplied id. kind names the id in the error.
func Check(kind, s string) error {
	switch {
	case s == "":
		return apperrors.Newf(apperrors.ErrValidation, "%s must not be empty", kind)
	case len(s) > MaxLen:
		return apperrors.Newf(apperrors.ErrValidation, "%s is longer than %d bytes", kind, MaxLen)
	case strings.ContainsAny(s, "/?#%"):
		return apperrors.Newf(apperrors.ErrValidation, "%s %q contains a reserved character", kind, s)
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return apperrors.Newf(apperrors.ErrValidation, "%s %q contains whitespace", kind, s)
		}
	}
	return nil
}
