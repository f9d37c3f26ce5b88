package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrDecrypt is returned for any webhook envelope that cannot be decrypted.
var ErrDecrypt = errors.New("lark: decrypt event")

// LarkCipher decrypts encrypted webhook envelopes. The AES-256 key is the
// SHA-256 digest of the configured encrypt key, the IV is the first block of
// the ciphertext and the plaintext carries PKCS#7 padding.
type LarkCipher struct {
	key [sha256.Size]byte
}

func NewLarkCipher(encryptKey string) *LarkCipher {
	return &LarkCipher{key: sha256.Sum256([]byte(encryptKey))}
}

// Decrypt decodes the base64 payload and returns the UTF-8 plaintext.
func (c *LarkCipher) Decrypt(encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecrypt, len(raw))
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	iv, body := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(plain) {
		return nil, fmt.Errorf("%w: plaintext is not utf-8", ErrDecrypt)
	}
	return plain, nil
}

// Encrypt is the inverse of Decrypt with the given IV. Used by tests and the
// decrypt command's round-trip check.
func (c *LarkCipher) Encrypt(plain []byte, iv []byte) (string, error) {
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("lark: iv must be %d bytes", aes.BlockSize)
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad(plain)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecrypt)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
