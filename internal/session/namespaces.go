package session

import (
	"fmt"

	"lens-account/go-bridge/internal/relay"
)

// The capability superset this bridge is willing to grant. Only transaction
// submission is executed; the signing methods are granted so dapps that
// require them during handshake can still connect.
var (
	supportedMethods = []string{
		"eth_sendTransaction",
		"personal_sign",
		"eth_signTypedData",
		"eth_signTypedData_v4",
	}
	supportedEvents = []string{
		"chainChanged",
		"accountsChanged",
	}
)

// BuildApprovedNamespaces intersects the proposal's requested capabilities
// with the supported superset and pins the granted account set to exactly
// the managed account on the single supported chain.
func BuildApprovedNamespaces(p relay.Proposal, chainID uint64, managedAccount string) (relay.Namespaces, error) {
	if managedAccount == "" {
		return nil, ErrNoManagedAccount
	}
	chain := fmt.Sprintf("eip155:%d", chainID)
	if len(p.RequestedChains) > 0 && !contains(p.RequestedChains, chain) {
		return nil, fmt.Errorf("proposal requests none of the supported chains (want %s)", chain)
	}

	methods := intersect(p.RequestedMethods, supportedMethods)
	if len(methods) == 0 {
		return nil, fmt.Errorf("proposal requests no supported methods")
	}
	events := intersect(p.RequestedEvents, supportedEvents)

	return relay.Namespaces{
		"eip155": {
			Chains:   []string{chain},
			Methods:  methods,
			Events:   events,
			Accounts: []string{fmt.Sprintf("%s:%s", chain, managedAccount)},
		},
	}, nil
}

func intersect(requested, supported []string) []string {
	out := make([]string, 0, len(requested))
	for _, want := range requested {
		if contains(supported, want) {
			out = append(out, want)
		}
	}
	return out
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
