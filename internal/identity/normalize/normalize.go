// Package normalize turns raw identifier values into canonical and fuzzy
// forms, and hashes them so raw PII never reaches the store.
//
// The canonical form decides exact identity: two values with the same
// canonical form are the same identifier. The fuzzy form is deliberately
// lossy and only feeds duplicate detection.
package normalize

import (
	"encoding/hex"
	"net/mail"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"nser/internal/identity/models"
	dErrors "nser/pkg/domain-errors"
)

const (
	maxValueLen    = 320
	minPhoneDigits = 7
	maxPhoneDigits = 15
	phoneTailLen   = 9
)

var folder = cases.Fold()

// Canonical returns the exact-match form of value.
func Canonical(t models.IdentifierType, value string) (string, error) {
	if len(value) > maxValueLen {
		return "", dErrors.New(dErrors.CodeValidation, "identifier value too long")
	}
	v := strings.TrimSpace(norm.NFKC.String(value))
	if v == "" {
		return "", dErrors.New(dErrors.CodeValidation, "identifier value is required")
	}

	switch t {
	case models.IdentifierPhone:
		return canonicalPhone(v)
	case models.IdentifierEmail:
		return canonicalEmail(v)
	case models.IdentifierNationalID:
		return canonicalNationalID(v)
	case models.IdentifierDevice:
		return folder.String(v), nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "unknown identifier type "+string(t))
	}
}

// Fuzzy returns the lossy form of an already canonical value.
func Fuzzy(t models.IdentifierType, canonical string) string {
	switch t {
	case models.IdentifierPhone:
		// Country and trunk prefixes vary between registrations.
		if len(canonical) > phoneTailLen {
			return canonical[len(canonical)-phoneTailLen:]
		}
		return canonical
	case models.IdentifierEmail:
		return fuzzyEmail(canonical)
	case models.IdentifierNationalID:
		return strings.TrimLeft(stripMarks(canonical), "0")
	default:
		return canonical
	}
}

func canonicalPhone(v string) (string, error) {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", dErrors.New(dErrors.CodeValidation, "phone number must have 7 to 15 digits")
	}
	return digits, nil
}

func canonicalEmail(v string) (string, error) {
	addr, err := mail.ParseAddress(v)
	if err != nil {
		return "", dErrors.New(dErrors.CodeValidation, "invalid email address")
	}
	folded := folder.String(addr.Address)
	local, domain, ok := strings.Cut(folded, "@")
	if !ok || local == "" || domain == "" {
		return "", dErrors.New(dErrors.CodeValidation, "invalid email address")
	}
	return local + "@" + domain, nil
}

func canonicalNationalID(v string) (string, error) {
	var b strings.Builder
	for _, r := range folder.String(v) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		return "", dErrors.New(dErrors.CodeValidation, "invalid national id")
	}
	return b.String(), nil
}

// fuzzyEmail drops dots and +tags from the local part, and folds the
// googlemail domain.
func fuzzyEmail(canonical string) string {
	local, domain, _ := strings.Cut(canonical, "@")
	local, _, _ = strings.Cut(local, "+")
	local = strings.ReplaceAll(local, ".", "")
	if domain == "googlemail.com" {
		domain = "gmail.com"
	}
	return local + "@" + domain
}

func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Hasher produces keyed digests of identifier forms.
type Hasher struct {
	key [32]byte
}

func NewHasher(secret string) (*Hasher, error) {
	if secret == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "identity hash key is required")
	}
	return &Hasher{key: blake2b.Sum256([]byte("nser/identity/v1:" + secret))}, nil
}

// Hash digests the canonical form. The type is mixed in so equal strings
// of different kinds never collide.
func (h *Hasher) Hash(t models.IdentifierType, canonical string) string {
	return h.sum("exact", t, canonical)
}

func (h *Hasher) FuzzyHash(t models.IdentifierType, fuzzy string) string {
	return h.sum("fuzzy", t, fuzzy)
}

func (h *Hasher) sum(kind string, t models.IdentifierType, v string) string {
	mac, _ := blake2b.New256(h.key[:])
	mac.Write([]byte(kind))
	mac.Write([]byte{0})
	mac.Write([]byte(t))
	mac.Write([]byte{0})
	mac.Write([]byte(v))
	return hex.EncodeToString(mac.Sum(nil))
}

// Digest is the stored form of one identifier.
type Digest struct {
	Type      models.IdentifierType
	Hash      string
	FuzzyHash string
}

// Digest canonicalizes and hashes a raw identifier.
func (h *Hasher) Digest(t models.IdentifierType, value string) (Digest, error) {
	canonical, err := Canonical(t, value)
	if err != nil {
		return Digest{}, err
	}
	return Digest{
		Type:      t,
		Hash:      h.Hash(t, canonical),
		FuzzyHash: h.FuzzyHash(t, Fuzzy(t, canonical)),
	}, nil
}
