// Package crypto wraps the primitive suite the railway fabric is built on:
// X25519 key exchange, HKDF over BLAKE2b for key derivation,
// ChaCha20-Poly1305 for authenticated encryption and BLAKE2b hashing.
//
// Everything here is a pure function over buffers; protocol state (counters,
// session keys, replay windows) lives with stations and tunnels. None of the
// underlying primitives require process-wide initialization.
//
// Nonces are formed from a 64-bit counter and must never repeat for a given
// key; the per-session sequence counter is the nonce source, so a session
// key is retired before its counter can wrap.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"hash"
	"io"

	"github.com/samber/oops"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/go-rho/railway/lib/buffer"
)

const (
	// KeySize is the byte length of X25519 keys, shared secrets and
	// symmetric session keys.
	KeySize = 32

	// NonceSize is the ChaCha20-Poly1305 IETF nonce length.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the Poly1305 authentication tag length appended to every
	// ciphertext.
	TagSize = chacha20poly1305.Overhead

	// MaxHashSize is the largest BLAKE2b digest length.
	MaxHashSize = blake2b.Size
)

var (
	// ErrAuthenticationFailure is returned when a ciphertext fails tag
	// verification. It is distinct from malformed input so callers can
	// tell tampering from corruption.
	ErrAuthenticationFailure = errors.New("crypto: message authentication failed")

	// ErrMalformedInput is returned when input cannot even be attempted:
	// wrong key size, ciphertext shorter than a tag, bad digest length.
	ErrMalformedInput = errors.New("crypto: malformed input")
)

// KeyPair holds an X25519 key pair. The private key never leaves the
// process; the public key is the station identity announced to peers.
type KeyPair struct {
	Public  *buffer.Buffer
	Private *buffer.Buffer
}

// GenerateKeyPair creates a fresh X25519 key pair from the system CSPRNG.
func GenerateKeyPair() (KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return KeyPair{}, oops.Wrapf(err, "generating private key")
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, oops.Wrapf(err, "deriving public key")
	}
	return KeyPair{
		Public:  buffer.FromBytes(pub),
		Private: buffer.FromBytes(priv),
	}, nil
}

// KeyExchange computes the X25519 shared secret between a local private key
// and a remote public key.
func KeyExchange(localPrivate, remotePublic *buffer.Buffer) (*buffer.Buffer, error) {
	if localPrivate.Len() != KeySize || remotePublic.Len() != KeySize {
		return nil, oops.With("private_len", localPrivate.Len()).
			With("public_len", remotePublic.Len()).
			Wrap(ErrMalformedInput)
	}
	shared, err := curve25519.X25519(localPrivate.Export(), remotePublic.Export())
	if err != nil {
		return nil, oops.Wrapf(err, "x25519 key exchange")
	}
	return buffer.FromBytes(shared), nil
}

// DeriveKey expands secret into a symmetric key using HKDF-BLAKE2b with the
// given context string for domain separation. Deterministic: the same
// secret and context always yield the same key.
func DeriveKey(secret *buffer.Buffer, context string) (*buffer.Buffer, error) {
	if secret.Len() == 0 {
		return nil, oops.Errorf("deriving key from empty secret")
	}
	kdf := hkdf.New(newBlake2b, secret.Export(), nil, []byte(context))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, oops.Wrapf(err, "hkdf expand")
	}
	return buffer.FromBytes(key), nil
}

func newBlake2b() hash.Hash {
	h, err := blake2b.New512(nil)
	if err != nil {
		// blake2b.New512 only fails on oversized keys; nil cannot.
		panic(err)
	}
	return h
}

// Nonce builds the 12-byte IETF nonce for a 64-bit sequence counter: four
// zero bytes followed by the counter little-endian. Matches the session
// counter layout used on the wire.
func Nonce(counter uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Encrypt seals plaintext under key with the nonce derived from counter,
// binding associatedData into the tag. The result is ciphertext plus the
// 16-byte tag.
func Encrypt(key *buffer.Buffer, counter uint64, plaintext, associatedData *buffer.Buffer) (*buffer.Buffer, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, Nonce(counter), plaintext.Export(), adBytes(associatedData))
	return buffer.FromBytes(sealed), nil
}

// Decrypt opens ciphertext (which carries its tag) under key and counter,
// verifying associatedData. A bad tag yields ErrAuthenticationFailure; a
// ciphertext too short to carry a tag yields ErrMalformedInput.
func Decrypt(key *buffer.Buffer, counter uint64, ciphertext, associatedData *buffer.Buffer) (*buffer.Buffer, error) {
	if ciphertext.Len() < TagSize {
		return nil, oops.With("ciphertext_len", ciphertext.Len()).Wrap(ErrMalformedInput)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, Nonce(counter), ciphertext.Export(), adBytes(associatedData))
	if err != nil {
		return nil, oops.With("counter", counter).Wrap(ErrAuthenticationFailure)
	}
	return buffer.FromBytes(plain), nil
}

// Hash computes a BLAKE2b digest of data with the requested length in
// bytes, 1 through MaxHashSize.
func Hash(data *buffer.Buffer, length int) (*buffer.Buffer, error) {
	if length < 1 || length > MaxHashSize {
		return nil, oops.With("length", length).Wrap(ErrMalformedInput)
	}
	h, err := blake2b.New(length, nil)
	if err != nil {
		return nil, oops.Wrapf(err, "blake2b init")
	}
	h.Write(data.Export())
	return buffer.FromBytes(h.Sum(nil)), nil
}

func newAEAD(key *buffer.Buffer) (cipher.AEAD, error) {
	if key.Len() != KeySize {
		return nil, oops.With("key_len", key.Len()).Wrap(ErrMalformedInput)
	}
	aead, err := chacha20poly1305.New(key.Export())
	if err != nil {
		return nil, oops.Wrapf(err, "chacha20poly1305 init")
	}
	return aead, nil
}

func adBytes(ad *buffer.Buffer) []byte {
	if ad == nil || ad.Len() == 0 {
		return nil
	}
	return ad.Export()
}
