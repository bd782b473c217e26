package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidSecret     = errors.New("secret must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrInvalidFlow       = errors.New("invalid oauth flow state")
)

const flowKeyInfo = "idgate oauth flow v1"

type CryptoService struct {
	encryptionKey []byte
}

// NewCryptoService derives an AES-256 key from secret with HKDF-SHA256.
func NewCryptoService(secret string) (*CryptoService, error) {
	if secret == "" {
		return nil, ErrInvalidSecret
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(flowKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return &CryptoService{
		encryptionKey: key,
	}, nil
}

// Seal encrypts plaintext using AES-256-GCM.
// Returns URL-safe base64 ciphertext with nonce prepended.
func (cs *CryptoService) Seal(plaintext []byte) (string, error) {
	gcm, err := cs.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

func (cs *CryptoService) Open(ciphertext string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := cs.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherbytes := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, cipherbytes, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func (cs *CryptoService) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(cs.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// FlowState is what the login start hands over to the callback: the CSRF
// state, the PKCE verifier and the provider the flow was started for.
type FlowState struct {
	Provider  Provider `json:"p"`
	State     string   `json:"s"`
	Verifier  string   `json:"v"`
	ExpiresAt int64    `json:"e"`
}

func (cs *CryptoService) SealFlow(flow *FlowState) (string, error) {
	data, err := json.Marshal(flow)
	if err != nil {
		return "", fmt.Errorf("failed to marshal flow state: %w", err)
	}
	return cs.Seal(data)
}

// OpenFlow returns ErrInvalidFlow for tampered, undecodable or expired values.
func (cs *CryptoService) OpenFlow(value string, now time.Time) (*FlowState, error) {
	if value == "" {
		return nil, ErrInvalidFlow
	}
	data, err := cs.Open(value)
	if err != nil {
		return nil, ErrInvalidFlow
	}

	var flow FlowState
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, ErrInvalidFlow
	}
	if flow.State == "" || now.Unix() > flow.ExpiresAt {
		return nil, ErrInvalidFlow
	}
	return &flow, nil
}

// RandomToken returns n random bytes encoded as unpadded URL-safe base64.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
