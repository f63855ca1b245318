// Package signature implements the webhook signature handshake.
//
// The platform signs each request by sorting the shared token, the timestamp
// and the nonce byte-wise, concatenating them without a separator and taking
// the lowercase hex SHA-1 of the result. The same scheme authenticates the
// one-time endpoint provisioning (GET with echostr) and, optionally, message
// pushes (POST).
package signature

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"sort"
)

// Query parameter names used by the platform.
const (
	ParamSignature = "signature"
	ParamTimestamp = "timestamp"
	ParamNonce     = "nonce"
	ParamEchostr   = "echostr"
)

// Request carries the handshake parameters exactly as received on the wire.
// Timestamp stays a string even though it looks numeric.
type Request struct {
	Signature string
	Timestamp string
	Nonce     string
	Echostr   string
}

// FromQuery extracts a Request from URL query parameters.
func FromQuery(q url.Values) Request {
	return Request{
		Signature: q.Get(ParamSignature),
		Timestamp: q.Get(ParamTimestamp),
		Nonce:     q.Get(ParamNonce),
		Echostr:   q.Get(ParamEchostr),
	}
}

// Missing returns the names of required parameters that are absent or empty.
// The handshake needs all four; message pushes carry no echostr, so callers
// verifying a push pass withEchostr=false.
func (r Request) Missing(withEchostr bool) []string {
	var missing []string
	if r.Signature == "" {
		missing = append(missing, ParamSignature)
	}
	if r.Timestamp == "" {
		missing = append(missing, ParamTimestamp)
	}
	if r.Nonce == "" {
		missing = append(missing, ParamNonce)
	}
	if withEchostr && r.Echostr == "" {
		missing = append(missing, ParamEchostr)
	}
	return missing
}

// Verify reports whether r was signed with secret.
func (r Request) Verify(secret string) bool {
	return Verify(secret, r.Signature, r.Timestamp, r.Nonce)
}

// Sign computes the signature the platform would send for secret, timestamp and nonce.
func Sign(secret, timestamp, nonce string) string {
	parts := []string{secret, timestamp, nonce}
	sort.Strings(parts)

	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches Sign(secret, timestamp, nonce).
// Any mismatch, including an upper-case or truncated digest, is a failure.
func Verify(secret, signature, timestamp, nonce string) bool {
	expected := Sign(secret, timestamp, nonce)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
