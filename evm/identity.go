// Package evm provides the EVM-side collaborators for x402 payments: a
// key-backed identity and signer for clients, and an ethclient-backed chain
// backend for facilitators.
package evm

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/niklabh/x402-go"
)

// KeyIdentity is a schemes.Identity backed by an in-memory secp256k1 key.
type KeyIdentity struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewKeyIdentity wraps an existing private key.
func NewKeyIdentity(privateKey *ecdsa.PrivateKey) (*KeyIdentity, error) {
	if privateKey == nil {
		return nil, x402.ErrInvalidKey
	}
	return &KeyIdentity{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the account's checksummed hex address.
func (k *KeyIdentity) Address() string {
	return k.address.Hex()
}

// SignDigest signs a 32-byte digest, returning the 65-byte r || s || v
// signature with v in the 0/1 convention.
func (k *KeyIdentity) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("%w: digest length %d", x402.ErrSigningFailed, len(digest))
	}
	return crypto.Sign(digest, k.privateKey)
}
