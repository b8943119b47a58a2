// Package identity canonicalizes contact identifiers and merges competing
// names for the same lead.
package identity

import (
	"regexp"
	"strings"
)

// Kind is the identifier type.
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
)

// MinPhoneDigits is the shortest digit string accepted as a phone number.
const MinPhoneDigits = 8

var emailShape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Identifier is a normalized email or phone together with the raw value it
// came from.
type Identifier struct {
	Kind       Kind   `json:"type"`
	Raw        string `json:"value"`
	Normalized string `json:"value_normalized"`
}

// Key is the uniqueness key of the identifier across all leads.
func (i Identifier) Key() string {
	return string(i.Kind) + ":" + i.Normalized
}

// NormalizeEmail trims and lowercases raw and accepts it only when it has the
// local@domain.tld shape.
func NormalizeEmail(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || !emailShape.MatchString(email) {
		return "", false
	}
	return email, true
}

// NormalizePhone keeps only the digits of raw and rejects results shorter
// than MinPhoneDigits.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < MinPhoneDigits {
		return "", false
	}
	return b.String(), true
}

// Email builds an email identifier from a raw value.
func Email(raw string) (Identifier, bool) {
	n, ok := NormalizeEmail(raw)
	if !ok {
		return Identifier{}, false
	}
	return Identifier{Kind: KindEmail, Raw: strings.TrimSpace(raw), Normalized: n}, true
}

// Phone builds a phone identifier from a raw value.
func Phone(raw string) (Identifier, bool) {
	n, ok := NormalizePhone(raw)
	if !ok {
		return Identifier{}, false
	}
	return Identifier{Kind: KindPhone, Raw: strings.TrimSpace(raw), Normalized: n}, true
}

// Collect normalizes the given raw emails and phones, dropping invalid and
// duplicate values. Emails come first so the primary identifier of a new
// lead is its email when one exists.
func Collect(emails, phones []string) []Identifier {
	seen := make(map[string]bool)
	var out []Identifier
	add := func(id Identifier, ok bool) {
		if !ok || seen[id.Key()] {
			return
		}
		seen[id.Key()] = true
		out = append(out, id)
	}
	for _, e := range emails {
		add(Email(e))
	}
	for _, p := range phones {
		add(Phone(p))
	}
	return out
}
