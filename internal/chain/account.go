package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABI of the managed account: the execute entry point all
// authority flows through, plus the owner read used for startup checks.
const managedAccountABIJSON = `[
	{"type":"function","name":"executeTransaction","stateMutability":"nonpayable","inputs":[
		{"name":"target","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"}
	],"outputs":[]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[
		{"name":"","type":"address"}
	]}
]`

var managedAccountABI = mustParseABI(managedAccountABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid built-in ABI: %v", err))
	}
	return parsed
}

// executeCalldata packs executeTransaction(target, value, data).
func executeCalldata(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	return managedAccountABI.Pack("executeTransaction", target, value, data)
}

// ownerCalldata packs the owner() read.
func ownerCalldata() ([]byte, error) {
	return managedAccountABI.Pack("owner")
}

func unpackOwner(output []byte) (common.Address, error) {
	values, err := managedAccountABI.Unpack("owner", output)
	if err != nil {
		return common.Address{}, err
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("owner() returned %d values", len(values))
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("owner() returned non-address value")
	}
	return addr, nil
}
