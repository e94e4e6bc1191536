package beckncrypto

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	pubB64, privB64, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	priv, err := DecodePrivateKey(privB64)
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("(created): 100\n(expires): 400\ndigest: BLAKE-512=abc")
	sig := Sign(msg, priv)

	if !Verify(msg, sig, pubB64) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyFailsOnMutatedBody(t *testing.T) {
	pubB64, privB64, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	priv, err := DecodePrivateKey(privB64)
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("digest: BLAKE-512=abc")
	sig := Sign(msg, priv)

	mutated := []byte("digest: BLAKE-512=abd")
	if Verify(mutated, sig, pubB64) {
		t.Fatal("expected verification to fail on mutated message")
	}
}

func TestVerifyNeverPanicsOnGarbageInput(t *testing.T) {
	cases := []struct{ sig, pub string }{
		{"", ""},
		{"not-base64!!", "also-not-base64!!"},
		{"====", "===="},
	}
	for _, c := range cases {
		if Verify([]byte("x"), c.sig, c.pub) {
			t.Fatalf("expected false for garbage input %+v", c)
		}
	}
}

func TestHashBodyIsStableUnderKeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": 2, "x": 1}}
	b := map[string]any{"c": map[string]any{"x": 1, "y": 2}, "a": 1, "b": 2}

	da, err := HashBody(a)
	if err != nil {
		t.Fatal(err)
	}
	db, err := HashBody(b)
	if err != nil {
		t.Fatal(err)
	}
	if da != db {
		t.Fatalf("expected stable digest regardless of map key order: %s != %s", da, db)
	}
	if len(da) == 0 {
		t.Fatal("expected non-empty digest")
	}
}

func TestHashBodyChangesOnMutation(t *testing.T) {
	d1, _ := HashBody(map[string]any{"x": 1})
	d2, _ := HashBody(map[string]any{"x": 2})
	if d1 == d2 {
		t.Fatal("expected digests to differ after mutation")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	pub, priv, err := GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	plain := []byte("a 32 byte challenge nonce test!")
	ct, err := Encrypt(plain, pub)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decrypt(ct, priv)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(plain) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plain)
	}
}

func TestDecryptFailsWithWrongKey(t *testing.T) {
	pub, _, err := GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, otherPriv, err := GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	ct, err := Encrypt([]byte("secret"), pub)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Decrypt(ct, otherPriv); err == nil {
		t.Fatal("expected decryption with wrong key to fail")
	}
}

func TestDecryptFailsOnTamper(t *testing.T) {
	pub, priv, err := GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	ct, err := Encrypt([]byte("secret"), pub)
	if err != nil {
		t.Fatal(err)
	}
	tampered := ct[:len(ct)-4] + "AAAA"
	if _, err := Decrypt(tampered, priv); err == nil {
		t.Fatal("expected decryption to fail on tampered ciphertext")
	}
}
