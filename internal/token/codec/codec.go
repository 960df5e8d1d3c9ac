// Package codec encodes and decodes BST tokens.
//
// Wire form: "BST" + scheme digit + 40 base32 characters carrying 25 bytes:
//
//	[0:12]  owner reference (keyed BLAKE2b of the owner id)
//	[12:16] owner token generation, big endian
//	[16:21] random salt
//	[21:25] checksum over the scheme digit and bytes [0:21]
//
// Scheme 1 checksums with CRC-32C. Scheme 2 uses a keyed BLAKE2b tag, so a
// token cannot be minted without the key. Every scheme ever issued stays
// decodable.
package codec

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"

	"golang.org/x/crypto/blake2b"

	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

// Scheme is the token format version.
type Scheme uint8

const (
	SchemeCRC   Scheme = 1
	SchemeKeyed Scheme = 2

	CurrentScheme = SchemeKeyed
)

const (
	Prefix = "BST"

	ownerRefLen = 12
	genLen      = 4
	saltLen     = 5
	sumLen      = 4
	payloadLen  = ownerRefLen + genLen + saltLen + sumLen
	bodyLen     = payloadLen * 8 / 5

	// Length is the length of every encoded token.
	Length = len(Prefix) + 1 + bodyLen
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

var (
	encoding   = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
	decodeMap  [256]byte

	// ErrMalformed is returned for any value that is not a well-formed token
	// of a known scheme. It is distinct from not-found.
	ErrMalformed = dErrors.New(dErrors.CodeMalformed, "malformed token")
)

func init() {
	for i := range decodeMap {
		decodeMap[i] = 0xFF
	}
	for i := 0; i < len(alphabet); i++ {
		decodeMap[alphabet[i]] = byte(i)
	}
}

// OwnerRef is the opaque owner reference embedded in a token.
type OwnerRef [ownerRefLen]byte

func (r OwnerRef) String() string { return hex.EncodeToString(r[:]) }

// Decoded is the result of a successful Decode.
type Decoded struct {
	Scheme        Scheme
	Generation    uint32
	OwnerRef      OwnerRef
	ChecksumValid bool
}

// Codec is safe for concurrent use.
type Codec struct {
	key    [32]byte
	scheme Scheme
	rand   io.Reader
}

type Option func(*Codec)

// WithScheme selects the scheme used by Encode.
func WithScheme(s Scheme) Option {
	return func(c *Codec) { c.scheme = s }
}

// WithRand replaces the salt source.
func WithRand(r io.Reader) Option {
	return func(c *Codec) {
		if r != nil {
			c.rand = r
		}
	}
}

// New derives the codec key from secret.
func New(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "token codec secret is required")
	}
	c := &Codec{
		key:    blake2b.Sum256([]byte("nser/bst/v1:" + secret)),
		scheme: CurrentScheme,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.scheme != SchemeCRC && c.scheme != SchemeKeyed {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("unknown token scheme %d", c.scheme))
	}
	return c, nil
}

// OwnerRef returns the opaque reference for owner.
func (c *Codec) OwnerRef(owner id.PersonID) OwnerRef {
	h, _ := blake2b.New(ownerRefLen, c.key[:])
	h.Write([]byte("owner:"))
	h.Write(owner[:])
	var ref OwnerRef
	h.Sum(ref[:0])
	return ref
}

// Encode builds a new token for owner's generation-th token.
func (c *Codec) Encode(owner id.PersonID, generation uint32) (string, error) {
	var p [payloadLen]byte
	ref := c.OwnerRef(owner)
	copy(p[:ownerRefLen], ref[:])
	binary.BigEndian.PutUint32(p[ownerRefLen:], generation)
	if _, err := io.ReadFull(c.rand, p[ownerRefLen+genLen:payloadLen-sumLen]); err != nil {
		return "", fmt.Errorf("read token salt: %w", err)
	}
	sum := c.checksum(c.scheme, &p)
	copy(p[payloadLen-sumLen:], sum[:])
	return Prefix + string('0'+byte(c.scheme)) + encoding.EncodeToString(p[:]), nil
}

// Decode parses and verifies value. It never succeeds for a corrupted value.
func (c *Codec) Decode(value string) (Decoded, error) {
	if len(value) != Length || value[:len(Prefix)] != Prefix {
		return Decoded{}, ErrMalformed
	}
	scheme := Scheme(value[len(Prefix)] - '0')
	if scheme != SchemeCRC && scheme != SchemeKeyed {
		return Decoded{}, ErrMalformed
	}

	var p [payloadLen]byte
	if !decodeBody(value[len(Prefix)+1:], &p) {
		return Decoded{}, ErrMalformed
	}
	want := c.checksum(scheme, &p)
	if subtle.ConstantTimeCompare(want[:], p[payloadLen-sumLen:]) != 1 {
		return Decoded{}, ErrMalformed
	}

	d := Decoded{
		Scheme:        scheme,
		Generation:    binary.BigEndian.Uint32(p[ownerRefLen:]),
		ChecksumValid: true,
	}
	copy(d.OwnerRef[:], p[:ownerRefLen])
	return d, nil
}

// BelongsTo reports whether a decoded token references owner.
func (c *Codec) BelongsTo(d Decoded, owner id.PersonID) bool {
	ref := c.OwnerRef(owner)
	return subtle.ConstantTimeCompare(ref[:], d.OwnerRef[:]) == 1
}

func (c *Codec) checksum(scheme Scheme, p *[payloadLen]byte) [sumLen]byte {
	var out [sumLen]byte
	body := p[:payloadLen-sumLen]
	switch scheme {
	case SchemeCRC:
		crc := crc32.Update(0, castagnoli, []byte{byte(scheme)})
		crc = crc32.Update(crc, castagnoli, body)
		binary.BigEndian.PutUint32(out[:], crc)
	default:
		h, _ := blake2b.New(sumLen, c.key[:])
		h.Write([]byte{byte(scheme)})
		h.Write(body)
		h.Sum(out[:0])
	}
	return out
}

// decodeBody decodes exactly bodyLen base32 characters into p. Every group
// of 8 characters carries 5 bytes.
func decodeBody(s string, p *[payloadLen]byte) bool {
	for g := 0; g < payloadLen/5; g++ {
		var v uint64
		for j := 0; j < 8; j++ {
			d := decodeMap[s[g*8+j]]
			if d == 0xFF {
				return false
			}
			v = v<<5 | uint64(d)
		}
		o := g * 5
		p[o] = byte(v >> 32)
		p[o+1] = byte(v >> 24)
		p[o+2] = byte(v >> 16)
		p[o+3] = byte(v >> 8)
		p[o+4] = byte(v)
	}
	return true
}
