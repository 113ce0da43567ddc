package bithumb

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// signaturePayload is endpoint;urlEncodedSortedBody;nonce.
func signaturePayload(endpoint, encodedBody, nonce string) string {
	return endpoint + ";" + encodedBody + ";" + nonce
}

// Sign returns the hex HMAC-SHA512 of the canonical request string.
func Sign(secret, endpoint, encodedBody, nonce string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(signaturePayload(endpoint, encodedBody, nonce)))
	return hex.EncodeToString(mac.Sum(nil))
}
