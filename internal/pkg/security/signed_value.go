package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const signedValueSalt = "mailaccounts.signer"

var (
	ErrBadSignature   = errors.New("bad signature")
	ErrMissingSecret  = errors.New("secret is required for signing")
	ErrInvalidSigning = errors.New("invalid signed value format")
)

func valueSignature(value, secret string) string {
	mac := hmac.New(sha256.New, []byte(signedValueSalt+secret))
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// SignValue returns "value:signature". The checkout page embeds the signed
// user id in the billing provider's custom data.
func SignValue(value, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	return value + ":" + valueSignature(value, secret), nil
}

// UnsignValue verifies a value produced by SignValue and returns the value.
func UnsignValue(signed, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	idx := strings.LastIndex(signed, ":")
	if idx <= 0 || idx == len(signed)-1 {
		return "", ErrInvalidSigning
	}
	value, sig := signed[:idx], signed[idx+1:]
	expected := valueSignature(value, secret)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return "", ErrBadSignature
	}
	return value, nil
}
