package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

func newCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	c, err := New("test-secret", opts...)
	require.NoError(t, err)
	return c
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	owner := id.NewPersonID()

	for _, scheme := range []Scheme{SchemeCRC, SchemeKeyed} {
		c := newCodec(t, WithScheme(scheme))
		value, err := c.Encode(owner, 7)
		require.NoError(t, err)

		assert.Len(t, value, Length)
		assert.True(t, strings.HasPrefix(value, Prefix))
		assert.Equal(t, byte('0'+byte(scheme)), value[3])

		d, err := c.Decode(value)
		require.NoError(t, err)
		assert.Equal(t, scheme, d.Scheme)
		assert.Equal(t, uint32(7), d.Generation)
		assert.True(t, d.ChecksumValid)
		assert.True(t, c.BelongsTo(d, owner))
		assert.False(t, c.BelongsTo(d, id.NewPersonID()))
	}
}

func TestEncode_NeverEmbedsRawOwner(t *testing.T) {
	c := newCodec(t)
	owner := id.NewPersonID()
	value, err := c.Encode(owner, 1)
	require.NoError(t, err)

	var body [payloadLen]byte
	require.True(t, decodeBody(value[4:], &body))
	assert.False(t, bytes.Contains(body[:], owner[:8]))
}

func TestEncode_SaltMakesValuesDistinct(t *testing.T) {
	c := newCodec(t)
	owner := id.NewPersonID()
	a, err := c.Encode(owner, 1)
	require.NoError(t, err)
	b, err := c.Encode(owner, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecode_OldSchemeStaysDecodable(t *testing.T) {
	legacy := newCodec(t, WithScheme(SchemeCRC))
	current := newCodec(t)
	owner := id.NewPersonID()

	value, err := legacy.Encode(owner, 3)
	require.NoError(t, err)

	d, err := current.Decode(value)
	require.NoError(t, err)
	assert.Equal(t, SchemeCRC, d.Scheme)
	assert.True(t, current.BelongsTo(d, owner))
}

func TestDecode_KeyedSchemeRejectsForeignKey(t *testing.T) {
	other, err := New("another-secret")
	require.NoError(t, err)
	value, err := other.Encode(id.NewPersonID(), 1)
	require.NoError(t, err)

	_, err = newCodec(t).Decode(value)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_Malformed(t *testing.T) {
	c := newCodec(t)
	valid, err := c.Encode(id.NewPersonID(), 1)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":          "",
		"short":          valid[:Length-1],
		"long":           valid + "A",
		"wrong prefix":   "XST" + valid[3:],
		"unknown scheme": valid[:3] + "3" + valid[4:],
		"scheme zero":    valid[:3] + "0" + valid[4:],
		"lowercase body": valid[:4] + strings.ToLower(valid[4:]),
		"padding char":   valid[:Length-1] + "=",
		"invalid symbol": valid[:10] + "1" + valid[11:],
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(value)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeMalformed))
		})
	}
}

func TestDecode_DetectsEverySingleSymbolCorruption(t *testing.T) {
	owner := id.NewPersonID()
	for _, scheme := range []Scheme{SchemeCRC, SchemeKeyed} {
		c := newCodec(t, WithScheme(scheme))
		valid, err := c.Encode(owner, 42)
		require.NoError(t, err)

		for pos := 4; pos < Length; pos++ {
			for _, sym := range []byte{'A', 'Q', '7'} {
				if valid[pos] == sym {
					continue
				}
				corrupted := valid[:pos] + string(sym) + valid[pos+1:]
				_, err := c.Decode(corrupted)
				assert.ErrorIs(t, err, ErrMalformed, "scheme %d pos %d sym %c", scheme, pos, sym)
			}
		}
	}
}

func TestDecodeBody_MatchesStdlib(t *testing.T) {
	src := bytes.Repeat([]byte{0xA5, 0x01, 0xFF, 0x10, 0x7E}, 5)
	text := encoding.EncodeToString(src)

	var got [payloadLen]byte
	require.True(t, decodeBody(text, &got))
	assert.Equal(t, src, got[:])
}

func TestNew_Validation(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
	_, err = New("s", WithScheme(9))
	assert.Error(t, err)
}

func BenchmarkDecode(b *testing.B) {
	c, _ := New("bench-secret")
	value, _ := c.Encode(id.NewPersonID(), 1)
	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		if _, err := c.Decode(value); err != nil {
			b.Fatal(err)
		}
	}
}
