package crypt

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var ErrMalformedToken = errors.New("malformed token")

// EncodeToken wraps raw under a fresh random key. The result is
// hex(key) followed by hex(ciphertext), lower case.
func EncodeToken(raw []byte) (string, error) {
	return encodeToken(rand.Reader, raw)
}

func encodeToken(r io.Reader, raw []byte) (string, error) {
	var key Key
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return "", fmt.Errorf("token key: %w", err)
	}
	data := make([]byte, len(raw))
	copy(data, raw)
	VariantToken.Transform(data, key)
	return hex.EncodeToString(key[:]) + hex.EncodeToString(data), nil
}

// DecodeToken reverses EncodeToken. Hex digits may be in either case.
func DecodeToken(s string) ([]byte, error) {
	data, err := hex.DecodeString(s)
	if err != nil || len(data) < KeySize {
		return nil, ErrMalformedToken
	}
	var key Key
	copy(key[:], data[:KeySize])
	out := data[KeySize:]
	VariantToken.Transform(out, key)
	return out, nil
}

// DecodeTokenHex decodes s and returns the raw token as lower-case hex.
func DecodeTokenHex(s string) (string, error) {
	raw, err := DecodeToken(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// EncodeTokenHex wraps a token given in hex form.
func EncodeTokenHex(token string) (string, error) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return "", ErrMalformedToken
	}
	return EncodeToken(raw)
}

// RandomHex returns n random bytes encoded as lower-case hex.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// KeyFromHex parses a 32-digit hex string into a Key.
func KeyFromHex(s string) (Key, error) {
	var key Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
