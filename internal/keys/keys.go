// Package keys loads the block producer's signing key from a mnemonic
// seed file.
package keys

import (
	"fmt"
	"os"
	"strings"

	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/microguy/proof-of-participation/pkg/crypto"
)

// producerPath is the fixed BIP-32 derivation path of the producer key:
// m/44'/0'/0'/0/0.
var producerPath = []uint32{
	bip32.FirstHardenedChild + 44,
	bip32.FirstHardenedChild + 0,
	bip32.FirstHardenedChild + 0,
	0,
	0,
}

// LoadProducerKey reads a BIP-39 mnemonic from the given file and
// derives the producer signing key. The optional passphrase salts the
// seed.
func LoadProducerKey(path, passphrase string) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	mnemonic := strings.TrimSpace(string(data))
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("seed file %s does not contain a valid mnemonic", path)
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	for _, child := range producerPath {
		if key, err = key.NewChildKey(child); err != nil {
			return nil, fmt.Errorf("derive child %d: %w", child, err)
		}
	}

	priv, err := crypto.PrivateKeyFromBytes(key.Key)
	if err != nil {
		return nil, fmt.Errorf("producer key: %w", err)
	}
	return priv, nil
}

// GenerateMnemonic creates a fresh 24-word mnemonic for a new producer.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("mnemonic: %w", err)
	}
	return mnemonic, nil
}
