package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ChallengeWindow bounds how far a signed challenge timestamp may drift
// from the local clock.
const ChallengeWindow = 5 * time.Minute

var (
	ErrInvalidPublicKey = errors.New("Invalid public key")
	ErrInvalidSignature = errors.New("Invalid signature")
	ErrUnknownKey       = errors.New("Unknown public key")
	ErrStaleChallenge   = errors.New("Stale challenge")
)

// KeySet is the list of client public keys allowed to obtain a token.
type KeySet map[string]struct{}

// ParseKeys reads a comma separated list of base64 ed25519 public keys.
func ParseKeys(raw string) (KeySet, error) {
	keys := make(KeySet)
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		pub, err := base64.StdEncoding.DecodeString(k)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, ErrInvalidPublicKey
		}
		keys[k] = struct{}{}
	}
	return keys, nil
}

func (s KeySet) Contains(publicKeyB64 string) bool {
	_, ok := s[publicKeyB64]
	return ok
}

// VerifyChallenge checks that publicKeyB64 is allowed, that the challenge
// is a unix millisecond timestamp within ChallengeWindow of now and that
// the signature over it is valid.
func (s KeySet) VerifyChallenge(publicKeyB64, challengeB64, signatureB64 string, now time.Time) error {
	if err := verifySignature(publicKeyB64, challengeB64, signatureB64); err != nil {
		return err
	}
	if !s.Contains(publicKeyB64) {
		return ErrUnknownKey
	}
	challenge, _ := base64.StdEncoding.DecodeString(challengeB64)
	ms, err := strconv.ParseInt(string(challenge), 10, 64)
	if err != nil {
		return ErrStaleChallenge
	}
	drift := now.Sub(time.UnixMilli(ms))
	if drift < -ChallengeWindow || drift > ChallengeWindow {
		return ErrStaleChallenge
	}
	return nil
}

func verifySignature(publicKeyB64, challengeB64, signatureB64 string) error {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}

	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil || len(challenge) == 0 {
		return ErrInvalidSignature
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	if !ed25519.Verify(ed25519.PublicKey(publicKey), challenge, signature) {
		return ErrInvalidSignature
	}
	return nil
}
