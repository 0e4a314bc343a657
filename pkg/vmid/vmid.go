// Package vmid canonicalizes caller-supplied VM identifiers before they are
// used in filesystem paths, device names, or firewall chain names. Every
// component downstream of the provisioner receives only the sanitized form.
package vmid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MaxLen bounds sanitized ids so derived names (iptables chains, TAP
// devices) stay within their own subsystem limits.
const MaxLen = 32

// hashSuffixLen is the length of the disambiguation suffix appended when
// sanitization had to drop characters from the raw input.
const hashSuffixLen = 6

var (
	ErrEmptyID   = errors.New("vm id is empty after sanitization")
	ErrInvalidID = errors.New("vm id contains no usable characters")
)

// Sanitize canonicalizes a raw identifier into lowercase alphanumerics and
// hyphens. Path separators, dots, shell metacharacters and anything else
// outside the safe set are dropped. If any character was dropped or mapped,
// or the id had to be truncated to MaxLen, a short hash of the raw input is
// appended so a hostile input like "vm;rm -rf /" or a pair of long ids with
// a shared prefix can never collide with another id already in use.
func Sanitize(raw string) (string, error) {
	if raw == "" {
		return "", ErrEmptyID
	}

	var b strings.Builder
	modified := false
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			modified = true
		default:
			modified = true
		}
	}

	clean := b.String()
	if clean == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}

	// Over-length ids take the hash suffix too. Plain truncation would
	// collapse ids sharing a long prefix to the same sanitized form.
	if len(clean) > MaxLen {
		modified = true
	}

	if modified {
		sum := sha256.Sum256([]byte(raw))
		suffix := hex.EncodeToString(sum[:])[:hashSuffixLen]
		maxBase := MaxLen - hashSuffixLen - 1
		if len(clean) > maxBase {
			clean = clean[:maxBase]
		}
		clean = clean + "-" + suffix
	}

	return clean, nil
}

// IsSanitized reports whether id is already in canonical form, i.e.
// Sanitize would return it unchanged.
func IsSanitized(id string) bool {
	got, err := Sanitize(id)
	return err == nil && got == id
}
