package channel

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

// Published sample from the Lark event subscription docs.
const (
	larkDocKey        = "test key"
	larkDocCiphertext = "P37w+VZImNgPEO1RBhJ6RtKl7n6zymIbEG1pReEzghk="
)

// Encrypted {"challenge":"abc123","token":"tok","type":"url_verification"}
// with key "test key" and IV 00..0f, produced with openssl.
const larkChallengeCiphertext = "AAECAwQFBgcICQoLDA0OD6alpwIsMFbSsWTHppjb1mGtEXjWRmxUt3nKD2dTMrd0fNr8ogjDyF9qrFJvKuhNwIDoqjIl5Gw2GPobfJGQjzI="

func TestLarkCipher_DocFixture(t *testing.T) {
	plain, err := NewLarkCipher(larkDocKey).Decrypt(larkDocCiphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "hello world" {
		t.Errorf("plaintext = %q", plain)
	}
}

func TestLarkCipher_ChallengeFixture(t *testing.T) {
	plain, err := NewLarkCipher(larkDocKey).Decrypt(larkChallengeCiphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	want := `{"challenge":"abc123","token":"tok","type":"url_verification"}`
	if string(plain) != want {
		t.Errorf("plaintext = %q", plain)
	}
}

func TestLarkCipher_RoundTrip(t *testing.T) {
	c := NewLarkCipher("another-key")
	iv := bytes.Repeat([]byte{7}, 16)
	for _, msg := range []string{"", "a", "exactly sixteen!", `{"event":"x","text":"你好"}`} {
		enc, err := c.Encrypt([]byte(msg), iv)
		if err != nil {
			t.Fatalf("encrypt %q: %v", msg, err)
		}
		dec, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("decrypt %q: %v", msg, err)
		}
		if string(dec) != msg {
			t.Errorf("round trip %q -> %q", msg, dec)
		}
	}
}

func TestLarkCipher_WrongKey(t *testing.T) {
	plain, err := NewLarkCipher("wrong key").Decrypt(larkDocCiphertext)
	if err == nil && string(plain) == "hello world" {
		t.Fatal("wrong key must not yield the original plaintext")
	}
}

func TestLarkCipher_CorruptedCiphertext(t *testing.T) {
	raw, _ := base64.StdEncoding.DecodeString(larkDocCiphertext)
	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		plain, err := NewLarkCipher(larkDocKey).Decrypt(base64.StdEncoding.EncodeToString(mutated))
		if err == nil && string(plain) == "hello world" {
			t.Fatalf("flipping byte %d still produced the original plaintext", i)
		}
	}
}

func TestLarkCipher_Malformed(t *testing.T) {
	c := NewLarkCipher(larkDocKey)
	cases := map[string]string{
		"not base64":  "%%%",
		"too short":   base64.StdEncoding.EncodeToString([]byte("short")),
		"not aligned": base64.StdEncoding.EncodeToString(make([]byte, 40)),
		"only iv":     base64.StdEncoding.EncodeToString(make([]byte, 16)),
	}
	for name, in := range cases {
		if _, err := c.Decrypt(in); !errors.Is(err, ErrDecrypt) {
			t.Errorf("%s: expected ErrDecrypt, got %v", name, err)
		}
	}
}

func TestPKCS7Unpad_Invalid(t *testing.T) {
	block := bytes.Repeat([]byte{'a'}, 16)
	block[15] = 3
	block[14] = 3
	block[13] = 2 // inconsistent pad byte
	if _, err := pkcs7Unpad(block); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected padding error, got %v", err)
	}
	block[15] = 17
	if _, err := pkcs7Unpad(block); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected padding error for oversized pad, got %v", err)
	}
}
