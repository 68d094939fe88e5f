package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrInvalidPeerKey  = errors.New("invalid peer key")
)

// Envelope type bytes per the WalletConnect crypto spec. Type 0 is
// symmetric-key only; type 1 prepends the sender's X25519 public key so the
// receiver can derive the shared session key.
const (
	envelopeType0 byte = 0
	envelopeType1 byte = 1
)

// sealEnvelope produces a base64 type-0 envelope: type || nonce || ciphertext.
func sealEnvelope(symKey, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, envelopeType0)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// openEnvelope opens a type-0 or type-1 envelope with symKey and returns the
// plaintext. The type-1 sender key prefix is skipped; key agreement happens
// before the first envelope is exchanged on a topic.
func openEnvelope(symKey []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	if len(raw) < 1 {
		return nil, ErrInvalidEnvelope
	}
	body := raw[1:]
	if raw[0] == envelopeType1 {
		if len(body) < 32 {
			return nil, ErrInvalidEnvelope
		}
		body = body[32:]
	} else if raw[0] != envelopeType0 {
		return nil, ErrInvalidEnvelope
	}
	if len(body) < chacha20poly1305.NonceSize {
		return nil, ErrInvalidEnvelope
	}
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return nil, err
	}
	nonce := body[:chacha20poly1305.NonceSize]
	plaintext, err := aead.Open(nil, nonce, body[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	return plaintext, nil
}

// generateKeyPair returns a fresh X25519 keypair for session settlement.
func generateKeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// deriveSessionKey performs X25519 ECDH with the peer's public key and
// expands the shared secret with HKDF-SHA256 into the session symmetric key.
// The session topic is the SHA-256 of that key, hex encoded.
func deriveSessionKey(priv []byte, peerPubHex string) (symKey []byte, topic string, err error) {
	peerPub, err := hex.DecodeString(peerPubHex)
	if err != nil || len(peerPub) != 32 {
		return nil, "", ErrInvalidPeerKey
	}
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, "", ErrInvalidPeerKey
	}
	reader := hkdf.New(sha256.New, shared, nil, nil)
	symKey = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, symKey); err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(symKey)
	return symKey, hex.EncodeToString(sum[:]), nil
}
