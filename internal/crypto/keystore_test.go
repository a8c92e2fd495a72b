package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/rs/zerolog"
)

func hmacSHA256(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func testKey(b byte) []byte {
	k := make([]byte, roomKeySize)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(1)
	plaintext := []byte("hello, room")
	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(key, ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	ciphertext, nonce, err := Encrypt(testKey(1), []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(testKey(2), ciphertext, nonce); err != ErrDecryptFailure {
		t.Errorf("expected ErrDecryptFailure, got %v", err)
	}
}

func TestWrapUnwrapRoomKey(t *testing.T) {
	ks, err := NewKeystore(testKey(9), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new keystore: %v", err)
	}
	roomKey, err := GenerateRoomKey()
	if err != nil {
		t.Fatalf("generate room key: %v", err)
	}
	wrapped, err := ks.WrapRoomKey(roomKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := ks.UnwrapRoomKey(wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, roomKey) {
		t.Error("unwrapped key does not match original")
	}
}

func TestUnwrapFallsBackToLegacyKey(t *testing.T) {
	legacyMaster := testKey(5)
	oldKs, err := NewKeystore(legacyMaster, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new keystore: %v", err)
	}
	roomKey, _ := GenerateRoomKey()
	wrapped, err := oldKs.WrapRoomKey(roomKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	// Master key rotated; legacyMaster is now a declared legacy key.
	newKs, err := NewKeystore(testKey(6), [][]byte{legacyMaster}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new keystore: %v", err)
	}
	got, err := newKs.UnwrapRoomKey(wrapped)
	if err != nil {
		t.Fatalf("unwrap with legacy fallback: %v", err)
	}
	if !bytes.Equal(got, roomKey) {
		t.Error("legacy-unwrapped key does not match original")
	}
}

func TestUnwrapFailsWithNoMatchingKey(t *testing.T) {
	oldKs, _ := NewKeystore(testKey(5), nil, zerolog.Nop())
	roomKey, _ := GenerateRoomKey()
	wrapped, _ := oldKs.WrapRoomKey(roomKey)

	newKs, _ := NewKeystore(testKey(7), [][]byte{testKey(8)}, zerolog.Nop())
	if _, err := newKs.UnwrapRoomKey(wrapped); err != ErrKeystoreFailure {
		t.Errorf("expected ErrKeystoreFailure, got %v", err)
	}
}

func TestVerifyHMACConstantTime(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte(`{"event":"booking.created"}`)
	mac := hmacSHA256(secret, body)

	ok, err := VerifyHMAC("sha256", secret, body, mac)
	if err != nil || !ok {
		t.Fatalf("expected valid hmac, got ok=%v err=%v", ok, err)
	}

	tampered := append([]byte{}, body...)
	tampered[0] ^= 0xFF
	ok, err = VerifyHMAC("sha256", secret, tampered, mac)
	if err != nil || ok {
		t.Fatalf("expected invalid hmac for tampered body, got ok=%v err=%v", ok, err)
	}
}

func TestVerifyHMACUnsupportedAlgo(t *testing.T) {
	if _, err := VerifyHMAC("md5", nil, nil, nil); err == nil {
		t.Error("expected error for unsupported algo")
	}
}
