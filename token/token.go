// Package token implements the tokenserver's tokenlib scheme: an
// HMAC-signed json payload plus an HKDF derived secret, which clients
// use as their Hawk id/key pair. The Expires timestamp is a float of
// epoch seconds to stay compatible with the python tokenserver.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	TokenSignatureMismatchErr = errors.New("TokenSignatureMismatchErr")
	TokenPayloadDecodingErr   = errors.New("TokenPayloadDecodingErr")
)

const (
	HKDF_INFO_SIGNING = "services.mozilla.com/tokenlib/v1/signing"
	HKDF_INFO_DERIVE  = "services.mozilla.com/tokenlib/v1/derive/"
)

type TokenPayload struct {
	Salt    string  `json:"salt"`
	Uid     uint64  `json:"uid"`
	Node    string  `json:"node"`
	Expires float64 `json:"expires"`
}

func (p TokenPayload) UidString() string {
	return strconv.FormatUint(p.Uid, 10)
}

type Token struct {
	Payload       TokenPayload
	Token         string
	DerivedSecret string
}

func (t *Token) Expired() bool {
	return float64(time.Now().Unix()) > t.Payload.Expires
}

// ExpiredWithin reports whether the token expired less than grace
// seconds ago. Freshly expired tokens are allowed a read-only grace
// window so clients can finish an in-flight sync.
func (t *Token) ExpiredWithin(grace int) bool {
	now := float64(time.Now().Unix())
	return now > t.Payload.Expires && now-t.Payload.Expires < float64(grace)
}

func randomHexString(length int) (string, error) {
	data := make([]byte, length)
	_, err := rand.Read(data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}

func generateToken(secret []byte, payload TokenPayload) (string, error) {
	secretHkdf := hkdf.New(sha256.New, secret, nil, []byte(HKDF_INFO_SIGNING))

	signatureSecret := make([]byte, sha256.Size)
	_, err := io.ReadFull(secretHkdf, signatureSecret)
	if err != nil {
		return "", err
	}

	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, signatureSecret)
	mac.Write(encodedPayload)
	payloadSignature := mac.Sum(nil)

	tokenSecret := append(encodedPayload, payloadSignature...)

	return base64.URLEncoding.EncodeToString(tokenSecret), nil
}

func generateDerivedSecret(secret []byte, salt string, encodedTokenSecret string) (string, error) {
	derivedHkdf := hkdf.New(sha256.New, secret, []byte(salt), []byte(HKDF_INFO_DERIVE+encodedTokenSecret))

	derivedSecret := make([]byte, sha256.Size)
	_, err := io.ReadFull(derivedHkdf, derivedSecret)
	if err != nil {
		return "", err
	}

	return base64.URLEncoding.EncodeToString(derivedSecret), nil
}

func NewToken(secret []byte, payload TokenPayload) (Token, error) {
	if len(payload.Salt) == 0 {
		var err error
		if payload.Salt, err = randomHexString(3); err != nil {
			return Token{}, err
		}
	}

	token := Token{
		Token:         "",
		DerivedSecret: "",
		Payload:       payload,
	}

	var err error
	if token.Token, err = generateToken(secret, payload); err != nil {
		return Token{}, err
	}

	if token.DerivedSecret, err = generateDerivedSecret(secret, payload.Salt, token.Token); err != nil {
		return Token{}, err
	}

	return token, nil
}

func splitToken(token string) ([]byte, []byte, error) {
	decoded, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, nil, err
	}
	if len(decoded) <= sha256.Size {
		return nil, nil, TokenPayloadDecodingErr
	}

	return decoded[0 : len(decoded)-sha256.Size], decoded[len(decoded)-sha256.Size:], nil
}

func calculateSignatureSecret(secret []byte) ([]byte, error) {
	signatureSecretHkdf := hkdf.New(sha256.New, secret, nil, []byte(HKDF_INFO_SIGNING))

	signatureSecret := make([]byte, sha256.Size)
	if _, err := io.ReadFull(signatureSecretHkdf, signatureSecret); err != nil {
		return nil, err
	}

	return signatureSecret, nil
}

func calculatePayloadSignature(encodedPayload, signatureSecret []byte) []byte {
	mac := hmac.New(sha256.New, signatureSecret)
	mac.Write(encodedPayload)
	return mac.Sum(nil)
}

func ParseToken(secret []byte, tokenSecret string) (Token, error) {
	encodedPayload, signature, err := splitToken(tokenSecret)
	if err != nil {
		return Token{}, err
	}

	signatureSecret, err := calculateSignatureSecret(secret)
	if err != nil {
		return Token{}, err
	}

	expectedSignature := calculatePayloadSignature(encodedPayload, signatureSecret)
	if !hmac.Equal(signature, expectedSignature) {
		return Token{}, TokenSignatureMismatchErr
	}

	token := Token{
		Token: tokenSecret,
	}

	if err = json.Unmarshal(encodedPayload, &token.Payload); err != nil {
		return Token{}, TokenPayloadDecodingErr
	}

	if token.DerivedSecret, err = generateDerivedSecret(secret, token.Payload.Salt, token.Token); err != nil {
		return Token{}, err
	}

	return token, nil
}
