package chain

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

var ErrNoOwnerKey = errors.New("owner key material is missing")

const ownerKeyHKDFInfo = "lens-bridge/owner-key/v1"

// LoadOwnerKey resolves the owner's secp256k1 key from either a raw hex
// private key or a BIP-39 mnemonic; hex wins when both are set.
func LoadOwnerKey(privateKeyHex, mnemonic string) (*ecdsa.PrivateKey, error) {
	privateKeyHex = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	mnemonic = strings.TrimSpace(mnemonic)

	switch {
	case privateKeyHex != "":
		key, err := gethcrypto.HexToECDSA(privateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("parse owner private key: %w", err)
		}
		return key, nil
	case mnemonic != "":
		return keyFromMnemonic(mnemonic)
	default:
		return nil, ErrNoOwnerKey
	}
}

// keyFromMnemonic expands the BIP-39 seed into a valid secp256k1 scalar.
// The counter salt makes the rare out-of-range candidate retryable while
// keeping derivation deterministic.
func keyFromMnemonic(mnemonic string) (*ecdsa.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	for counter := byte(0); counter < 16; counter++ {
		reader := hkdf.New(sha256.New, seed, []byte{counter}, []byte(ownerKeyHKDFInfo))
		candidate := make([]byte, 32)
		if _, err := io.ReadFull(reader, candidate); err != nil {
			return nil, err
		}
		key, err := gethcrypto.ToECDSA(candidate)
		if err == nil {
			return key, nil
		}
	}
	return nil, errors.New("mnemonic does not yield a usable key")
}

// OwnerAddress returns the 0x address controlled by key.
func OwnerAddress(key *ecdsa.PrivateKey) string {
	return gethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}
