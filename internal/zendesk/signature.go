package zendesk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrBadSignature is returned when a webhook signature is missing or wrong.
var ErrBadSignature = errors.New("zendesk: invalid webhook signature")

// Sign computes the webhook signature: base64(HMAC-SHA256(secret, timestamp+body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a delivery against the signing secret in constant
// time.
func VerifySignature(secret, signature, timestamp string, body []byte) error {
	if signature == "" || timestamp == "" {
		return ErrBadSignature
	}
	want := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
