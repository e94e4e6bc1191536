// Package authheader builds and verifies the Beckn signed Authorization
// header: a Signature-scheme header over a canonical "(created)/(expires)/
// digest" signing string, per spec.md §4.2.
package authheader

import (
	"crypto/ed25519"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/beckn-net/beckn-core/internal/beckncrypto"
)

// DefaultTTLSeconds is the signature validity window (SIGNATURE_TTL_SECONDS).
const DefaultTTLSeconds = 300

// MaxClockSkewSeconds bounds how far in the future "created" may be, to
// tolerate sender/receiver clock drift without accepting stale forgeries.
const MaxClockSkewSeconds = 30

var headerPattern = regexp.MustCompile(
	`keyId="([^"]*)\|([^"]*)\|ed25519",algorithm="ed25519",` +
		`created="(\d+)",expires="(\d+)",headers="\(created\) \(expires\) digest",` +
		`signature="([^"]*)"`,
)

// Now is overridable in tests; production code leaves it at time.Now.
var Now = time.Now

// Parsed holds the fields decoded out of a Signature header.
type Parsed struct {
	SubscriberID string
	KeyID        string
	Created      int64
	Expires      int64
	Signature    string
}

// signingString reproduces the canonical LF-separated string the signature
// covers: "(created): ...\n(expires): ...\ndigest: BLAKE-512=...".
func signingString(created, expires int64, digestB64 string) string {
	return fmt.Sprintf("(created): %d\n(expires): %d\ndigest: BLAKE-512=%s", created, expires, digestB64)
}

// Build signs body and returns the full Signature header value.
func Build(subscriberID, uniqueKeyID string, privKey ed25519.PrivateKey, body any) (string, error) {
	digest, err := beckncrypto.HashBody(body)
	if err != nil {
		return "", fmt.Errorf("authheader: hash body: %w", err)
	}
	created := Now().Unix()
	expires := created + DefaultTTLSeconds

	sig := beckncrypto.Sign([]byte(signingString(created, expires, digest)), privKey)

	return fmt.Sprintf(
		`Signature keyId="%s|%s|ed25519",algorithm="ed25519",created="%d",expires="%d",headers="(created) (expires) digest",signature="%s"`,
		subscriberID, uniqueKeyID, created, expires, sig,
	), nil
}

// Parse extracts the fields of a Signature header without verifying it.
func Parse(header string) (*Parsed, error) {
	m := headerPattern.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("authheader: malformed signature header")
	}
	created, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("authheader: malformed created timestamp")
	}
	expires, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("authheader: malformed expires timestamp")
	}
	return &Parsed{
		SubscriberID: m[1],
		KeyID:        m[2],
		Created:      created,
		Expires:      expires,
		Signature:    m[5],
	}, nil
}

// Verify recomputes the signing string from body and the header's own
// created/expires fields, and checks freshness plus the Ed25519 signature.
// It never returns a decode panic to the caller — any malformed input
// surfaces as a plain bool-false, matching C1's Verify contract.
func Verify(header string, body any, pubKeyB64 string) bool {
	p, err := Parse(header)
	if err != nil {
		return false
	}
	now := Now().Unix()
	if p.Expires < now {
		return false
	}
	if p.Created > now+MaxClockSkewSeconds {
		return false
	}
	digest, err := beckncrypto.HashBody(body)
	if err != nil {
		return false
	}
	msg := signingString(p.Created, p.Expires, digest)
	return beckncrypto.Verify([]byte(msg), p.Signature, pubKeyB64)
}
