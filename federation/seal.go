package federation

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealed file layout: magic | salt(16) | nonce(24) | ciphertext
var sealMagic = []byte("GKS1")

const saltSize = 16

var ErrSealedFormat = errors.New("not a sealed file")

func deriveKey(secret, salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, salt, []byte("gatekeep federation file"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts a file body with XChaCha20-Poly1305 under a key derived from the shared federation secret. The file name is bound as associated data.
func Seal(secret []byte, name string, plaintext []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty federation secret")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := deriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sealMagic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte(name)), nil
}

func Open(secret []byte, name string, sealed []byte) ([]byte, error) {
	head := len(sealMagic) + saltSize + chacha20poly1305.NonceSizeX
	if len(sealed) < head || !bytes.Equal(sealed[:len(sealMagic)], sealMagic) {
		return nil, ErrSealedFormat
	}
	salt := sealed[len(sealMagic) : len(sealMagic)+saltSize]
	nonce := sealed[len(sealMagic)+saltSize : head]
	key, err := deriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, sealed[head:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("opening sealed file: %w", err)
	}
	return pt, nil
}
