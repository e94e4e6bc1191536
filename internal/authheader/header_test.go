package authheader

import (
	"testing"
	"time"

	"github.com/beckn-net/beckn-core/internal/beckncrypto"
)

func fixedClock(t time.Time) func() {
	orig := Now
	Now = func() time.Time { return t }
	return func() { Now = orig }
}

func TestBuildThenVerifyRoundTrip(t *testing.T) {
	pub, privB64, err := beckncrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	priv, err := beckncrypto.DecodePrivateKey(privB64)
	if err != nil {
		t.Fatal(err)
	}

	body := map[string]any{"context": map[string]any{"action": "search"}}
	header, err := Build("bap.example.com", "k1", priv, body)
	if err != nil {
		t.Fatal(err)
	}

	if !Verify(header, body, pub) {
		t.Fatal("expected header to verify")
	}
}

func TestVerifyFailsOnBodyMutation(t *testing.T) {
	pub, privB64, _ := beckncrypto.GenerateSigningKeyPair()
	priv, _ := beckncrypto.DecodePrivateKey(privB64)

	body := map[string]any{"a": 1}
	header, err := Build("sub", "k1", priv, body)
	if err != nil {
		t.Fatal(err)
	}

	mutated := map[string]any{"a": 2}
	if Verify(header, mutated, pub) {
		t.Fatal("expected verification to fail on a single mutated byte")
	}
}

func TestVerifyFailsWhenExpired(t *testing.T) {
	pub, privB64, _ := beckncrypto.GenerateSigningKeyPair()
	priv, _ := beckncrypto.DecodePrivateKey(privB64)

	defer fixedClock(time.Unix(1_000_000, 0))()
	body := map[string]any{"a": 1}
	header, err := Build("sub", "k1", priv, body)
	if err != nil {
		t.Fatal(err)
	}

	// Jump the clock forward past the default 300s TTL.
	Now = func() time.Time { return time.Unix(1_000_000+301, 0) }

	if Verify(header, body, pub) {
		t.Fatal("expected expired header to fail verification")
	}
}

func TestVerifyFailsOnMalformedHeader(t *testing.T) {
	if Verify("not a signature header", map[string]any{}, "anything") {
		t.Fatal("expected malformed header to fail verification")
	}
}

func TestParseExtractsFields(t *testing.T) {
	pub, privB64, _ := beckncrypto.GenerateSigningKeyPair()
	priv, _ := beckncrypto.DecodePrivateKey(privB64)
	_ = pub

	header, err := Build("bpp.example.com", "key-7", priv, map[string]any{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	p, err := Parse(header)
	if err != nil {
		t.Fatal(err)
	}
	if p.SubscriberID != "bpp.example.com" || p.KeyID != "key-7" {
		t.Fatalf("unexpected parsed fields: %+v", p)
	}
}
