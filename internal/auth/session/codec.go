// Package session stores authenticated sessions in HMAC-signed cookies.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalidValue is returned for values that fail format or signature checks.
var ErrInvalidValue = errors.New("invalid signed value")

// Codec signs and verifies JSON payloads as "<payload>.<signature>".
type Codec struct {
	key []byte
}

// NewCodec returns a codec using key for HMAC-SHA256.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) < 16 {
		return nil, errors.New("signing key must be at least 16 bytes")
	}
	return &Codec{key: key}, nil
}

// Encode signs the JSON encoding of v.
func (c *Codec) Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return c.sign(data), nil
}

// Decode verifies value and unmarshals its payload into v.
func (c *Codec) Decode(value string, v any) error {
	payload, err := c.verify(value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}

func (c *Codec) sign(payload []byte) string {
	signature := hmac.New(sha256.New, c.key)
	signature.Write(payload)
	sum := signature.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sum)
}

func (c *Codec) verify(value string) ([]byte, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: format", ErrInvalidValue)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: payload", ErrInvalidValue)
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: signature", ErrInvalidValue)
	}
	expected := hmac.New(sha256.New, c.key)
	expected.Write(payload)
	if subtle.ConstantTimeCompare(signature, expected.Sum(nil)) != 1 {
		return nil, fmt.Errorf("%w: signature", ErrInvalidValue)
	}
	return payload, nil
}

// DeriveKey derives a 32-byte key for purpose from secret using HKDF-SHA256,
// so one configured secret can back several independent signers.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// RandomSecret returns n random bytes, for deployments without a configured secret.
func RandomSecret(n int) ([]byte, error) {
	secret := make([]byte, n)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// RandomToken returns a URL-safe random string of 32 bytes of entropy.
func RandomToken() (string, error) {
	random, err := RandomSecret(32)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(random), nil
}
