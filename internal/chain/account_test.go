package chain

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestExecuteCalldataSelector(t *testing.T) {
	target := common.HexToAddress("0xAAA1000000000000000000000000000000000AAA")
	calldata, err := executeCalldata(target, big.NewInt(1), []byte{0xde, 0xad})
	if err != nil {
		t.Fatalf("executeCalldata: %v", err)
	}

	wantSelector := gethcrypto.Keccak256([]byte("executeTransaction(address,uint256,bytes)"))[:4]
	if !bytes.Equal(calldata[:4], wantSelector) {
		t.Fatalf("selector = %x, want %x", calldata[:4], wantSelector)
	}
	// selector + 3 head words + data offset contents
	if len(calldata) < 4+3*32 {
		t.Fatalf("calldata too short: %d bytes", len(calldata))
	}
}

func TestExecuteCalldataNilValueMeansZero(t *testing.T) {
	target := common.HexToAddress("0xAAA1000000000000000000000000000000000AAA")
	withNil, err := executeCalldata(target, nil, nil)
	if err != nil {
		t.Fatalf("executeCalldata(nil): %v", err)
	}
	withZero, err := executeCalldata(target, new(big.Int), nil)
	if err != nil {
		t.Fatalf("executeCalldata(0): %v", err)
	}
	if !bytes.Equal(withNil, withZero) {
		t.Fatal("nil value and zero value produce different calldata")
	}
}

func TestOwnerCalldataRoundTrip(t *testing.T) {
	calldata, err := ownerCalldata()
	if err != nil {
		t.Fatalf("ownerCalldata: %v", err)
	}
	wantSelector := gethcrypto.Keccak256([]byte("owner()"))[:4]
	if !bytes.Equal(calldata, wantSelector) {
		t.Fatalf("owner calldata = %x, want bare selector %x", calldata, wantSelector)
	}

	owner := common.HexToAddress("0xDEF1000000000000000000000000000000000ABC")
	output := make([]byte, 32)
	copy(output[12:], owner.Bytes())

	got, err := unpackOwner(output)
	if err != nil {
		t.Fatalf("unpackOwner: %v", err)
	}
	if got != owner {
		t.Fatalf("owner = %s, want %s", got.Hex(), owner.Hex())
	}
}

func TestUnpackOwnerRejectsGarbage(t *testing.T) {
	if _, err := unpackOwner([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short output")
	}
}
