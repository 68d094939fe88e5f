package relay

import (
	"errors"
	"strings"
	"testing"
)

const testSymKeyHex = "a665a45920422f9d417e4867efdc4fb8a04a1f3fff1fa07e998e86f7f7a27ae3"

func TestParsePairingURI(t *testing.T) {
	uri := "wc:f1e9b2d3@2?relay-protocol=irn&symKey=" + testSymKeyHex

	p, err := ParsePairingURI(uri)
	if err != nil {
		t.Fatalf("ParsePairingURI: %v", err)
	}
	if p.Topic != "f1e9b2d3" {
		t.Errorf("topic = %q, want f1e9b2d3", p.Topic)
	}
	if p.Version != 2 {
		t.Errorf("version = %d, want 2", p.Version)
	}
	if p.Protocol != ProtocolIRN {
		t.Errorf("protocol = %q, want %q", p.Protocol, ProtocolIRN)
	}
	if len(p.SymKey) != 32 {
		t.Errorf("symKey length = %d, want 32", len(p.SymKey))
	}
}

func TestParsePairingURIDefaultsProtocol(t *testing.T) {
	p, err := ParsePairingURI("wc:topic@2?symKey=" + testSymKeyHex)
	if err != nil {
		t.Fatalf("ParsePairingURI: %v", err)
	}
	if p.Protocol != ProtocolIRN {
		t.Errorf("protocol = %q, want %q", p.Protocol, ProtocolIRN)
	}
}

func TestParsePairingURIRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		uri  string
	}{
		{"wrong scheme", "http://example.com"},
		{"missing topic", "wc:@2?symKey=" + testSymKeyHex},
		{"missing version", "wc:topic?symKey=" + testSymKeyHex},
		{"unsupported version", "wc:topic@1?symKey=" + testSymKeyHex},
		{"missing symKey", "wc:topic@2?relay-protocol=irn"},
		{"short symKey", "wc:topic@2?symKey=deadbeef"},
		{"non-hex symKey", "wc:topic@2?symKey=" + strings.Repeat("zz", 32)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParsePairingURI(tc.uri); !errors.Is(err, ErrInvalidPairingURI) {
				t.Fatalf("error = %v, want ErrInvalidPairingURI", err)
			}
		})
	}
}
