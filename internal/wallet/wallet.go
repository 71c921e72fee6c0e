// Package wallet holds the local secp256k1 key used to sign payment
// authorizations. It stands in for the browser wallet of graphical
// front ends; nothing here ever submits a transaction.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is a loaded signing key and its derived address.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// FromHex loads a wallet from a hex-encoded private key, with or
// without the 0x prefix.
func FromHex(hexKey string) (*Wallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("wallet: empty private key")
	}

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse private key: %w", err)
	}
	return &Wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Generate creates a throwaway wallet. Used by tests and the dev mode
// of the TUI when no key is configured.
func Generate() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	return &Wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the checksummed account address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// SignDigest signs a 32-byte digest and returns the 65-byte
// [R || S || V] signature with V in {27, 28}, the recovery form
// on-chain verifiers expect.
func (w *Wallet) SignDigest(digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], w.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
