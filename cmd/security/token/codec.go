package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// MinTokenLength is the shortest token accepted for lookup.
	MinTokenLength = 20
	// MaxTokenLength bounds inbound input before any hashing happens.
	MaxTokenLength = 512

	defaultTokenBytes = 32
	defaultSaltBytes  = 16
)

// KDFParams tunes the argon2id derivation used for the salted verification hash.
// Tokens carry 256 bits of entropy, so the cost only needs to defeat precomputation.
type KDFParams struct {
	Iterations  uint32
	MemoryKiB   uint32
	Parallelism uint8
	KeyLength   uint32
}

// DefaultKDFParams returns the argon2id parameters used for confirmation tokens.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Iterations:  1,
		MemoryKiB:   8 * 1024,
		Parallelism: 1,
		KeyLength:   32,
	}
}

// Hashed is the storable form of a confirmation token.
type Hashed struct {
	// Hash is base64(argon2id(token, salt)); used only for verification.
	Hash string
	// Salt is base64 of the per-token random salt.
	Salt string
	// LookupHash is the deterministic hex digest used as an equality index.
	LookupHash string
}

// Codec mints confirmation tokens and derives their stored hashes.
type Codec struct {
	key        []byte
	kdf        KDFParams
	tokenBytes int
}

// CodecOption configures a Codec.
type CodecOption func(*Codec) error

// WithKDFParams overrides the argon2id parameters.
func WithKDFParams(p KDFParams) CodecOption {
	return func(c *Codec) error {
		if p.Iterations == 0 || p.MemoryKiB == 0 || p.Parallelism == 0 || p.KeyLength < 16 {
			return fmt.Errorf("token: invalid kdf params")
		}
		c.kdf = p
		return nil
	}
}

// WithTokenBytes sets the number of random bytes per token.
func WithTokenBytes(n int) CodecOption {
	return func(c *Codec) error {
		// base64url of 15 bytes is exactly MinTokenLength chars.
		if n < 15 {
			return fmt.Errorf("token: token bytes too small")
		}
		c.tokenBytes = n
		return nil
	}
}

// NewCodec builds a Codec. An empty key selects dev mode (SHA-256 lookup hashes).
func NewCodec(key []byte, opts ...CodecOption) (*Codec, error) {
	c := &Codec{
		key:        append([]byte(nil), key...),
		kdf:        DefaultKDFParams(),
		tokenBytes: defaultTokenBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// HMACEnabled reports whether lookup hashes are keyed.
func (c *Codec) HMACEnabled() bool { return len(c.key) > 0 }

// Generate returns a new URL-safe random token.
func (c *Codec) Generate() (string, error) {
	b := make([]byte, c.tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash derives the stored triple for tok. The salt is fresh on every call.
func (c *Codec) Hash(tok string) (Hashed, error) {
	lookup, err := c.LookupHash(tok)
	if err != nil {
		return Hashed{}, err
	}

	salt := make([]byte, defaultSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return Hashed{}, fmt.Errorf("token: salt: %w", err)
	}

	b64 := base64.RawStdEncoding
	return Hashed{
		Hash:       b64.EncodeToString(c.derive(tok, salt)),
		Salt:       b64.EncodeToString(salt),
		LookupHash: lookup,
	}, nil
}

// LookupHash returns the deterministic index value for tok.
func (c *Codec) LookupHash(tok string) (string, error) {
	if err := CheckShape(tok); err != nil {
		return "", err
	}
	if len(c.key) == 0 {
		return HashSHA256Hex(tok), nil
	}
	return HashHMACSHA256Hex(tok, c.key), nil
}

// Verify re-derives the salted hash of tok and compares it in constant time.
func (c *Codec) Verify(tok, hash, salt string) bool {
	if CheckShape(tok) != nil {
		return false
	}
	b64 := base64.RawStdEncoding
	want, err := b64.DecodeString(hash)
	if err != nil || len(want) == 0 {
		return false
	}
	rawSalt, err := b64.DecodeString(salt)
	if err != nil || len(rawSalt) == 0 {
		return false
	}
	got := argon2.IDKey([]byte(tok), rawSalt, c.kdf.Iterations, c.kdf.MemoryKiB, c.kdf.Parallelism, uint32(len(want))) // #nosec G115 -- decoded hash length is small.
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (c *Codec) derive(tok string, salt []byte) []byte {
	return argon2.IDKey([]byte(tok), salt, c.kdf.Iterations, c.kdf.MemoryKiB, c.kdf.Parallelism, c.kdf.KeyLength)
}

// CheckShape rejects obviously malformed tokens before any hashing.
func CheckShape(tok string) error {
	if len(tok) < MinTokenLength || len(tok) > MaxTokenLength {
		return ErrMalformedToken
	}
	if strings.TrimSpace(tok) != tok {
		return ErrMalformedToken
	}
	return nil
}
