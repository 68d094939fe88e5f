package chain

import (
	"errors"
	"strings"
	"testing"
)

const testMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"

func TestLoadOwnerKeyFromHex(t *testing.T) {
	const keyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	key, err := LoadOwnerKey(keyHex, "")
	if err != nil {
		t.Fatalf("LoadOwnerKey: %v", err)
	}
	withPrefix, err := LoadOwnerKey("0x"+keyHex, "")
	if err != nil {
		t.Fatalf("LoadOwnerKey with 0x prefix: %v", err)
	}
	if OwnerAddress(key) != OwnerAddress(withPrefix) {
		t.Fatal("0x prefix changed the derived address")
	}
	if !strings.HasPrefix(OwnerAddress(key), "0x") {
		t.Fatalf("address = %q", OwnerAddress(key))
	}
}

func TestLoadOwnerKeyHexWinsOverMnemonic(t *testing.T) {
	const keyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	fromBoth, err := LoadOwnerKey(keyHex, testMnemonic)
	if err != nil {
		t.Fatalf("LoadOwnerKey: %v", err)
	}
	fromHex, err := LoadOwnerKey(keyHex, "")
	if err != nil {
		t.Fatalf("LoadOwnerKey: %v", err)
	}
	if OwnerAddress(fromBoth) != OwnerAddress(fromHex) {
		t.Fatal("mnemonic took precedence over the explicit private key")
	}
}

func TestLoadOwnerKeyFromMnemonicIsDeterministic(t *testing.T) {
	first, err := LoadOwnerKey("", testMnemonic)
	if err != nil {
		t.Fatalf("LoadOwnerKey: %v", err)
	}
	second, err := LoadOwnerKey("", testMnemonic)
	if err != nil {
		t.Fatalf("LoadOwnerKey: %v", err)
	}
	if OwnerAddress(first) != OwnerAddress(second) {
		t.Fatal("mnemonic derivation is not deterministic")
	}
}

func TestLoadOwnerKeyRejectsBadInput(t *testing.T) {
	if _, err := LoadOwnerKey("", ""); !errors.Is(err, ErrNoOwnerKey) {
		t.Fatalf("error = %v, want ErrNoOwnerKey", err)
	}
	if _, err := LoadOwnerKey("zz", ""); err == nil {
		t.Fatal("expected error for non-hex key")
	}
	if _, err := LoadOwnerKey("", "not a valid mnemonic phrase"); err == nil {
		t.Fatal("expected error for invalid mnemonic")
	}
}
