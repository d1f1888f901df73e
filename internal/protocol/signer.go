package protocol

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Signer is the signing collaborator. Key management lives outside the core.
type Signer interface {
	Identity() Identity
	Sign(h Hash) ([]byte, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	priv *btcec.PrivateKey
	id   Identity
}

func NewKeySigner(priv *btcec.PrivateKey) *KeySigner {
	return &KeySigner{
		priv: priv,
		id:   Identity(hex.EncodeToString(priv.PubKey().SerializeCompressed())),
	}
}

// GenerateKeySigner creates a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewKeySigner(priv), nil
}

// ParseKeySigner reads a hex encoded 32 byte private key.
func ParseKeySigner(hexKey string) (*KeySigner, error) {
	b, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("private key hex: %w", err)
	}
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return NewKeySigner(priv), nil
}

// LoadKeySigner reads a key file written by `market-node keygen`.
func LoadKeySigner(path string) (*KeySigner, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParseKeySigner(string(b))
}

func (s *KeySigner) Identity() Identity { return s.id }

func (s *KeySigner) Sign(h Hash) ([]byte, error) {
	return ecdsa.Sign(s.priv, h[:]).Serialize(), nil
}

// PrivateHex is for keygen output only.
func (s *KeySigner) PrivateHex() string {
	return hex.EncodeToString(s.priv.Serialize())
}
