package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nser/internal/identity/models"
	dErrors "nser/pkg/domain-errors"
)

func TestCanonical(t *testing.T) {
	tests := []struct {
		name  string
		typ   models.IdentifierType
		in    string
		want  string
	}{
		{"phone punctuation", models.IdentifierPhone, "+44 (0)7700 900-123", "4407700900123"},
		{"phone fullwidth digits", models.IdentifierPhone, "０７７００９００１２３", "07700900123"},
		{"email case", models.IdentifierEmail, "  Jane.Doe@Example.COM ", "jane.doe@example.com"},
		{"email display name", models.IdentifierEmail, "Jane <jane@example.com>", "jane@example.com"},
		{"national id separators", models.IdentifierNationalID, "ab 12-34 56 c", "AB123456C"},
		{"device folded", models.IdentifierDevice, "DEVICE-ABC", "device-abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonical(tt.typ, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonical_Rejects(t *testing.T) {
	tests := []struct {
		name string
		typ  models.IdentifierType
		in   string
	}{
		{"blank", models.IdentifierPhone, "   "},
		{"short phone", models.IdentifierPhone, "12-34"},
		{"bad email", models.IdentifierEmail, "not-an-email"},
		{"punctuation only id", models.IdentifierNationalID, "--"},
		{"unknown type", models.IdentifierType("passport"), "X1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonical(tt.typ, tt.in)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
}

func TestFuzzy(t *testing.T) {
	assert.Equal(t, "700900123", Fuzzy(models.IdentifierPhone, "4407700900123"))
	assert.Equal(t, Fuzzy(models.IdentifierPhone, "07700900123"), Fuzzy(models.IdentifierPhone, "447700900123"))
	assert.Equal(t, "janedoe@gmail.com", Fuzzy(models.IdentifierEmail, "jane.doe+bets@googlemail.com"))
	assert.Equal(t, "AB123", Fuzzy(models.IdentifierNationalID, "00AB123"))
	assert.Equal(t, "EO123", Fuzzy(models.IdentifierNationalID, "ÉO123"))
}

func TestHasher(t *testing.T) {
	h, err := NewHasher("k1")
	require.NoError(t, err)
	other, err := NewHasher("k2")
	require.NoError(t, err)

	a, err := h.Digest(models.IdentifierEmail, "Jane.Doe@example.com")
	require.NoError(t, err)
	b, err := h.Digest(models.IdentifierEmail, "jane.doe@EXAMPLE.com")
	require.NoError(t, err)
	c, err := h.Digest(models.IdentifierEmail, "janedoe@example.com")
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, c.Hash)
	assert.Equal(t, a.FuzzyHash, c.FuzzyHash)
	assert.NotContains(t, a.Hash, "jane")

	assert.NotEqual(t, h.Hash(models.IdentifierPhone, "123"), h.Hash(models.IdentifierDevice, "123"))
	assert.NotEqual(t, h.Hash(models.IdentifierPhone, "123"), other.Hash(models.IdentifierPhone, "123"))

	_, err = NewHasher("")
	assert.Error(t, err)
}
