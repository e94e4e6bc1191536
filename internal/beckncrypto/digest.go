package beckncrypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashBody returns the base64 BLAKE2b-512 digest of body's canonical JSON
// encoding. Canonicalization re-marshals through map[string]any so that
// object keys are sorted deterministically — encoding/json already sorts
// map keys on Marshal, so a decode/re-encode round trip is sufficient and
// needs no custom walker.
//
// The wire protocol (spec.md §4.2) labels this digest "BLAKE-512"; no BLAKE-512
// implementation is available anywhere in the retrieved example corpus, so
// BLAKE2b-512 (same 512-bit width, closest available primitive) is used — see
// DESIGN.md.
func HashBody(body any) (string, error) {
	canonical, err := canonicalize(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}
	sum := blake2b.Sum512(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// canonicalize produces a byte-stable JSON encoding of v: it decodes v into
// generic Go values (maps, slices, scalars) and re-encodes, so object keys
// come out sorted regardless of the original struct field order or map
// iteration order.
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
