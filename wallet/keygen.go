package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// StandInKeyGen is a placeholder KeyGenerator. Real wallet cryptography
// (key generation, COSE terms-of-service signing) lives in an external
// library; this exists only so the pool's Create/CreateBatch paths are
// exercisable without it. Production wiring replaces it with the real
// library.
type StandInKeyGen struct{}

func (StandInKeyGen) GenerateKeypair() (pubkey, signingKey, address string, err error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return "", "", "", fmt.Errorf("wallet: generate keypair: %w", err)
	}
	pub := make([]byte, 32)
	if _, err := rand.Read(pub); err != nil {
		return "", "", "", fmt.Errorf("wallet: generate keypair: %w", err)
	}
	signingKey = hex.EncodeToString(priv)
	pubkey = hex.EncodeToString(pub)
	address = "0x" + pubkey[:40]
	return pubkey, signingKey, address, nil
}

func (StandInKeyGen) SignTermsOfService(signingKey string) (string, error) {
	return signStub(signingKey, "terms"), nil
}

func (StandInKeyGen) SignConsolidation(signingKey, dest string) (string, error) {
	return signStub(signingKey, dest), nil
}

func signStub(signingKey, payload string) string {
	b := make([]byte, 32)
	copy(b, []byte(signingKey+payload))
	return hex.EncodeToString(b)
}
