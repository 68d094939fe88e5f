package relay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrInvalidPairingURI = errors.New("invalid pairing uri")
)

// Pairing is the parsed form of a `wc:` URI. The symmetric key is input
// only; it is held by the transport for the life of the pairing topic and
// never logged or persisted.
type Pairing struct {
	Topic    string
	Version  int
	Protocol string
	SymKey   []byte
}

// ParsePairingURI parses `wc:<topic>@<version>?relay-protocol=irn&symKey=<hex>`.
func ParsePairingURI(raw string) (Pairing, error) {
	raw = strings.TrimSpace(raw)
	rest, ok := strings.CutPrefix(raw, "wc:")
	if !ok {
		return Pairing{}, fmt.Errorf("%w: missing wc: scheme", ErrInvalidPairingURI)
	}

	head, query, _ := strings.Cut(rest, "?")
	topic, versionRaw, ok := strings.Cut(head, "@")
	if !ok || topic == "" {
		return Pairing{}, fmt.Errorf("%w: missing topic or version", ErrInvalidPairingURI)
	}
	version, err := strconv.Atoi(versionRaw)
	if err != nil {
		return Pairing{}, fmt.Errorf("%w: bad version %q", ErrInvalidPairingURI, versionRaw)
	}
	if version != 2 {
		return Pairing{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidPairingURI, version)
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return Pairing{}, fmt.Errorf("%w: bad query", ErrInvalidPairingURI)
	}
	protocol := params.Get("relay-protocol")
	if protocol == "" {
		protocol = ProtocolIRN
	}
	symHex := params.Get("symKey")
	if symHex == "" {
		return Pairing{}, fmt.Errorf("%w: missing symKey", ErrInvalidPairingURI)
	}
	symKey, err := hex.DecodeString(symHex)
	if err != nil || len(symKey) != 32 {
		return Pairing{}, fmt.Errorf("%w: symKey must be 32 hex bytes", ErrInvalidPairingURI)
	}

	return Pairing{
		Topic:    topic,
		Version:  version,
		Protocol: protocol,
		SymKey:   symKey,
	}, nil
}
