package crypto

import (
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	addr := key.PubKey().Address()
	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(StayPrefix)) {
		t.Fatalf("encoded address %q lacks prefix", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Raw() != addr.Raw() {
		t.Fatalf("round trip changed the payload")
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	if _, err := DecodeAddress("not-bech32"); err == nil {
		t.Fatalf("expected decode failure")
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var digest [32]byte
	digest[0] = 0x42

	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != SignatureLength {
		t.Fatalf("signature length = %d, want %d", len(sig), SignatureLength)
	}
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != key.PubKey().Address().Raw() {
		t.Fatalf("recovered address does not match signer")
	}
}

func TestRecoverAcceptsLegacyRecoveryByte(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var digest [32]byte
	digest[0] = 0x42
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	recovered, err := RecoverAddress(digest, legacy)
	if err != nil {
		t.Fatalf("recover legacy: %v", err)
	}
	if recovered != key.PubKey().Address().Raw() {
		t.Fatalf("legacy recovery byte changed the signer")
	}
}

func TestRecoverRejectsMalformedSignatures(t *testing.T) {
	var digest [32]byte
	digest[0] = 0x42

	if _, err := RecoverAddress(digest, make([]byte, 64)); err == nil {
		t.Fatalf("expected short signature rejection")
	}
	bad := make([]byte, SignatureLength)
	bad[64] = 9
	if _, err := RecoverAddress(digest, bad); err == nil {
		t.Fatalf("expected recovery byte rejection")
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.PubKey().Address().Raw() != key.PubKey().Address().Raw() {
		t.Fatalf("restored key has a different address")
	}
}
