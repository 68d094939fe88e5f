package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// did:key multicodec prefix for ed25519 public keys (0xed 0x01).
var ed25519Multicodec = []byte{0xed, 0x01}

const relayAuthTTL = 24 * time.Hour

// buildAuthToken issues the EdDSA JWT the relay expects on dial. The issuer
// is a did:key built from a per-connection ed25519 keypair; aud is the relay
// origin.
func buildAuthToken(aud string) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	return signAuthToken(priv, pub, aud, time.Now())
}

func signAuthToken(priv ed25519.PrivateKey, pub ed25519.PublicKey, aud string, now time.Time) (string, error) {
	header := map[string]string{"alg": "EdDSA", "typ": "JWT"}
	claims := map[string]any{
		"iss": didKey(pub),
		"sub": randomSubject(),
		"aud": aud,
		"iat": now.Unix(),
		"exp": now.Add(relayAuthTTL).Unix(),
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)
	sig := ed25519.Sign(priv, []byte(signingInput))
	return signingInput + "." + enc.EncodeToString(sig), nil
}

// didKey encodes pub as did:key:z<base58btc(multicodec || pub)>.
func didKey(pub ed25519.PublicKey) string {
	payload := append(append([]byte(nil), ed25519Multicodec...), pub...)
	return fmt.Sprintf("did:key:z%s", base58.Encode(payload))
}

func randomSubject() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "0"
	}
	return fmt.Sprintf("%x", buf)
}
