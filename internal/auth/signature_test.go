package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"testing"
	"time"
)

func signedChallenge(t *testing.T, at time.Time) (pub, challenge, sig string, priv ed25519.PrivateKey) {
	t.Helper()
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := []byte(strconv.FormatInt(at.UnixMilli(), 10))
	return base64.StdEncoding.EncodeToString(pk),
		base64.StdEncoding.EncodeToString(msg),
		base64.StdEncoding.EncodeToString(ed25519.Sign(sk, msg)),
		sk
}

func TestVerifySignature_Valid(t *testing.T) {
	pub, challenge, sig, _ := signedChallenge(t, time.Now())
	if err := verifySignature(pub, challenge, sig); err != nil {
		t.Fatalf("expected signature to verify, got %v", err)
	}
}

func TestVerifySignature_InvalidLengths(t *testing.T) {
	if err := verifySignature("", "", ""); err != ErrInvalidPublicKey {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}

	// public key wrong length
	if err := verifySignature(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), base64.StdEncoding.EncodeToString([]byte{1}), base64.StdEncoding.EncodeToString(make([]byte, 64))); err != ErrInvalidPublicKey {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestVerifySignature_InvalidBase64(t *testing.T) {
	if err := verifySignature("not-base64", "not-base64", "not-base64"); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestKeySet_VerifyChallenge(t *testing.T) {
	now := time.Now()
	pub, challenge, sig, _ := signedChallenge(t, now)
	keys, err := ParseKeys(" " + pub + " ,")
	if err != nil {
		t.Fatalf("ParseKeys: %v", err)
	}

	if err := keys.VerifyChallenge(pub, challenge, sig, now.Add(time.Minute)); err != nil {
		t.Fatalf("expected valid challenge, got %v", err)
	}
	if err := keys.VerifyChallenge(pub, challenge, sig, now.Add(ChallengeWindow+time.Second)); err != ErrStaleChallenge {
		t.Fatalf("expected ErrStaleChallenge, got %v", err)
	}

	other, oc, os, _ := signedChallenge(t, now)
	if err := keys.VerifyChallenge(other, oc, os, now); err != ErrUnknownKey {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestParseKeys_RejectsGarbage(t *testing.T) {
	if _, err := ParseKeys("abc"); err != ErrInvalidPublicKey {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
	keys, err := ParseKeys("")
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected empty set, got %v %v", keys, err)
	}
}
