// Package encryption stores the Gen Wave shared secret at rest using
// AES-256-CBC with an HMAC-SHA256 tag over IV and ciphertext.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEmptyKey          = errors.New("encryption key must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Cipher encrypts short secrets. It is safe for concurrent use.
type Cipher struct {
	block  cipher.Block
	macKey []byte
	rand   io.Reader
}

// New derives the AES-256 key and the MAC key from passphrase.
func New(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}
	encKey := sha256.Sum256([]byte(passphrase))
	macKey := sha256.Sum256([]byte("genwave-mac:" + passphrase))

	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return nil, fmt.Errorf("aes init: %w", err)
	}
	return &Cipher{block: block, macKey: macKey[:], rand: rand.Reader}, nil
}

// Encrypt returns base64(IV || ciphertext || MAC).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded), aes.BlockSize+len(padded)+sha256.Size)
	copy(out, iv)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	out = append(out, c.mac(out)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any tampering yields ErrInvalidCiphertext.
func (c *Cipher) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	// IV, at least one block, MAC
	if len(raw) < 2*aes.BlockSize+sha256.Size {
		return "", ErrInvalidCiphertext
	}

	body, tag := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	if !hmac.Equal(tag, c.mac(body)) {
		return "", ErrInvalidCiphertext
	}

	iv, ct := body[:aes.BlockSize], body[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return "", ErrInvalidCiphertext
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, ct)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func (c *Cipher) mac(data []byte) []byte {
	h := hmac.New(sha256.New, c.macKey)
	h.Write(data)
	return h.Sum(nil)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrInvalidCiphertext
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, ErrInvalidCiphertext
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrInvalidCiphertext
		}
	}
	return b[:len(b)-n], nil
}
