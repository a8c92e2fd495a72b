// Package crypto implements envelope encryption for room keys and message
// bodies, plus constant-time HMAC verification for webhook ingress.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"

	"github.com/rs/zerolog"
)

// ErrKeystoreFailure is returned when a wrapped key cannot be unwrapped
// under the current master key or any declared legacy key.
var ErrKeystoreFailure = errors.New("keystore: unable to unwrap room key")

// ErrDecryptFailure is returned when a ciphertext fails AEAD decryption.
var ErrDecryptFailure = errors.New("crypto: decrypt failed")

const roomKeySize = 32 // 256-bit symmetric key
const nonceSize = 12   // 96-bit AEAD nonce

// Keystore wraps/unwraps room keys under a process-wide master key, with
// graceful fallback to legacy keys during rotation.
type Keystore struct {
	master  []byte
	legacy  [][]byte
	log     zerolog.Logger
}

// NewKeystore builds a Keystore. master and each legacy key must be exactly
// 32 bytes (AES-256); legacy keys are tried, in order, when unwrap under
// master fails.
func NewKeystore(master []byte, legacy [][]byte, log zerolog.Logger) (*Keystore, error) {
	if len(master) != roomKeySize {
		return nil, fmt.Errorf("crypto: master key must be %d bytes, got %d", roomKeySize, len(master))
	}
	for i, k := range legacy {
		if len(k) != roomKeySize {
			return nil, fmt.Errorf("crypto: legacy key %d must be %d bytes", i, roomKeySize)
		}
	}
	return &Keystore{master: master, legacy: legacy, log: log.With().Str("component", "keystore").Logger()}, nil
}

// GenerateRoomKey produces a fresh random 256-bit symmetric key.
func GenerateRoomKey() ([]byte, error) {
	key := make([]byte, roomKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: generate room key: %w", err)
	}
	return key, nil
}

// WrapRoomKey encrypts plaintext (a freshly generated room key) under the
// master key, returning nonce||ciphertext suitable for storage.
func (k *Keystore) WrapRoomKey(plaintext []byte) (wrapped []byte, err error) {
	return seal(k.master, plaintext)
}

// UnwrapRoomKey decrypts wrapped under the master key, falling back to
// legacy keys declared for rotation. Returns ErrKeystoreFailure if none work.
func (k *Keystore) UnwrapRoomKey(wrapped []byte) ([]byte, error) {
	if key, err := open(k.master, wrapped); err == nil {
		return key, nil
	}
	for i, legacyKey := range k.legacy {
		if key, err := open(legacyKey, wrapped); err == nil {
			k.log.Debug().Int("legacy_key_index", i).Msg("room key unwrapped with legacy master key")
			return key, nil
		}
	}
	k.log.Warn().Msg("room key unwrap failed under current and all legacy master keys")
	return nil, ErrKeystoreFailure
}

// Encrypt encrypts plaintext under room key using AES-256-GCM with a random
// 96-bit nonce. The nonce must accompany ciphertext for Decrypt.
func Encrypt(roomKey, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(roomKey)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: random nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt reverses Encrypt. Any failure (wrong key, tampered ciphertext,
// wrong nonce) is reported as ErrDecryptFailure without exposing why —
// callers must never log key material or the attempted plaintext.
func Decrypt(roomKey, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(roomKey)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}

// LogDecryptFailure records a decryption failure with enough context to
// debug without ever including key material or plaintext.
func LogDecryptFailure(log zerolog.Logger, roomID, senderID string, err error) {
	log.Warn().Str("room_id", roomID).Str("sender_id", senderID).Err(err).Msg("message decrypt failed, surfacing placeholder")
}

func seal(key, plaintext []byte) ([]byte, error) {
	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

func open(key, wrapped []byte) ([]byte, error) {
	if len(wrapped) < nonceSize {
		return nil, ErrDecryptFailure
	}
	nonce, ciphertext := wrapped[:nonceSize], wrapped[nonceSize:]
	return Decrypt(key, ciphertext, nonce)
}

// VerifyHMAC verifies claimedDigest (raw digest bytes; callers decode a
// hex-encoded header first) against HMAC(secret, body) using algo, with constant-time
// comparison. Supported algos: "sha256", "sha512".
func VerifyHMAC(algo string, secret, body, claimedDigest []byte) (bool, error) {
	var mac hash.Hash
	switch algo {
	case "sha256":
		mac = hmac.New(sha256.New, secret)
	case "sha512":
		mac = hmac.New(sha512.New, secret)
	default:
		return false, fmt.Errorf("crypto: unsupported hmac algo %q", algo)
	}
	mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, claimedDigest), nil
}
