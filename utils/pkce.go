package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
)

const (
	// stateCharset omits 0/O and 1/l/I so states survive being read aloud.
	stateCharset    = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"
	verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

	StateLength    = 32
	VerifierLength = 64
)

func randomString(charset string, n int) (string, error) {
	limit := big.NewInt(int64(len(charset)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}

func GenerateState() (string, error) {
	s, err := randomString(stateCharset, StateLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return s, nil
}

func GenerateCodeVerifier() (string, error) {
	v, err := randomString(verifierCharset, VerifierLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return v, nil
}

func GenerateCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
