package state

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"go.step.sm/crypto/x25519"
	"golang.org/x/crypto/chacha20poly1305"
)

// PrivateKey signs dataset bundles. The matching PublicKey both verifies and seals them, so a repository
// can be public without leaking the dataset to anyone who lacks the public key.
type PrivateKey [x25519.PrivateKeySize]byte
type PublicKey [x25519.PublicKeySize]byte

func GenerateKey() PrivateKey {
	_, priv, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return PrivateKey(priv)
}

func (k PrivateKey) Pubkey() PublicKey {
	val, err := x25519.PrivateKey(k[:]).PublicKey()
	if err != nil {
		panic(err)
	}
	return PublicKey(val)
}

var envelopeMagic = []byte("wft1")

const envelopeOverhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// SealEnvelope signs body with key and encrypts the result to key's public half.
// Layout before base64: nonce | seal(magic | signature | body).
func SealEnvelope(body []byte, key PrivateKey) (string, error) {
	sig, err := x25519.PrivateKey(key[:]).Sign(rand.Reader, body, crypto.Hash(0))
	if err != nil {
		return "", err
	}
	pub := key.Pubkey()
	aead, err := chacha20poly1305.NewX(pub[:])
	if err != nil {
		return "", err
	}
	plain := make([]byte, 0, len(envelopeMagic)+len(sig)+len(body))
	plain = append(append(append(plain, envelopeMagic...), sig...), body...)

	out := make([]byte, chacha20poly1305.NonceSizeX, envelopeOverhead+len(plain))
	if _, err := rand.Read(out); err != nil {
		return "", err
	}
	out = aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plain, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenEnvelope reverses SealEnvelope. Malformed input fails with ErrParse, a wrong key or any tampering
// with ErrSecurity.
func OpenEnvelope(envelope string, pub PublicKey) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace([]byte(envelope))))
	if err != nil {
		return nil, fmt.Errorf("envelope encoding: %w", ErrParse)
	}
	if len(raw) < envelopeOverhead {
		return nil, fmt.Errorf("envelope of %d bytes is too short: %w", len(raw), ErrParse)
	}
	aead, err := chacha20poly1305.NewX(pub[:])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("envelope does not open with this key: %w", ErrSecurity)
	}
	if !bytes.HasPrefix(plain, envelopeMagic) {
		return nil, fmt.Errorf("unknown envelope version: %w", ErrParse)
	}
	plain = plain[len(envelopeMagic):]
	if len(plain) < x25519.SignatureSize {
		return nil, fmt.Errorf("envelope has no signature: %w", ErrParse)
	}
	sig, body := plain[:x25519.SignatureSize], plain[x25519.SignatureSize:]
	if !x25519.Verify(pub[:], body, sig) {
		return nil, fmt.Errorf("envelope signature: %w", ErrSecurity)
	}
	return body, nil
}
