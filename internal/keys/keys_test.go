package keys

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProducerKeyDeterministic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}

	path := filepath.Join(t.TempDir(), "seed.txt")
	if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	k1, err := LoadProducerKey(path, "")
	if err != nil {
		t.Fatalf("LoadProducerKey: %v", err)
	}
	k2, err := LoadProducerKey(path, "")
	if err != nil {
		t.Fatalf("LoadProducerKey: %v", err)
	}
	if !bytes.Equal(k1.PublicKey(), k2.PublicKey()) {
		t.Error("same mnemonic derived different keys")
	}

	// A passphrase salts the derivation.
	k3, err := LoadProducerKey(path, "passphrase")
	if err != nil {
		t.Fatalf("LoadProducerKey with passphrase: %v", err)
	}
	if bytes.Equal(k1.PublicKey(), k3.PublicKey()) {
		t.Error("passphrase did not change derivation")
	}
}

func TestLoadProducerKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.txt")
	if err := os.WriteFile(path, []byte("not a mnemonic"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadProducerKey(path, ""); err == nil {
		t.Error("invalid mnemonic accepted")
	}
	if _, err := LoadProducerKey(filepath.Join(t.TempDir(), "missing"), ""); err == nil {
		t.Error("missing file accepted")
	}
}
