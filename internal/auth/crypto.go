package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation.
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32
)

// DeriveDeviceKey derives the 32-byte session key for one device from the
// user's password, salted with the device's client id. Both inputs are
// normalized to NFKC before hashing so the same password typed on
// different platforms derives the same key.
func DeriveDeviceKey(password, clientID string) ([]byte, error) {
	password = norm.NFKC.String(password)
	clientID = norm.NFKC.String(clientID)

	key, err := scrypt.Key([]byte(password), []byte(clientID), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving device key: %w", err)
	}

	return key, nil
}

// Proof computes the handshake proof for a challenge: the client derives a
// one-time key from the password and the challenge nonce, then HMACs the
// challenge id and its client id with it. The server computes the same
// value and compares in constant time.
func Proof(password, nonce, challengeID, clientID string) (string, error) {
	password = norm.NFKC.String(password)

	key, err := scrypt.Key([]byte(password), []byte(nonce), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("deriving proof key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(challengeID))
	mac.Write([]byte(clientID))

	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Cipher encrypts and decrypts RPC frames for one session. Frames are
// AES-GCM with a random nonce: [12-byte nonce][ciphertext+tag].
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a frame cipher from a 32-byte device key.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals plaintext into a frame with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := c.gcm.Seal(nil, nonce, plaintext, nil)
	frame := make([]byte, len(nonce)+len(ciphertext))
	copy(frame, nonce)
	copy(frame[len(nonce):], ciphertext)

	return frame, nil
}

// Decrypt opens a frame produced by Encrypt.
func (c *Cipher) Decrypt(frame []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(frame) < nonceSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	nonce := frame[:nonceSize]
	ciphertext := frame[nonceSize:]

	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting frame: %w", err)
	}

	return plaintext, nil
}

// ZeroKey overwrites key material in the given slice. Call after handing
// the key to NewCipher to limit how long raw key bytes stay in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
