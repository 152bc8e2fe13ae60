package ecrs

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"
)

func TestEncodeDeterministic(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	a, err := Encode(plaintext)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(plaintext)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatalf("ciphertext not deterministic across encodes of identical plaintext")
	}
	if a.Query != b.Query {
		t.Fatalf("query not deterministic across encodes of identical plaintext")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	plaintext := []byte("round trip payload")
	enc, err := Encode(plaintext)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h := Hash512(plaintext)
	got, err := Decode(enc.Ciphertext, h)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestQueryOfMatchesEncode(t *testing.T) {
	plaintext := []byte("query derivation")
	enc, err := Encode(plaintext)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if QueryOf(enc.Ciphertext) != enc.Query {
		t.Fatalf("QueryOf does not match Encode's reported query")
	}
}

func TestVerifyDataBlock(t *testing.T) {
	plaintext := []byte("data block")
	enc, err := Encode(plaintext)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := VerifyDataBlock(enc.Ciphertext, enc.Query); err != nil {
		t.Fatalf("verify data block: %v", err)
	}
	var wrong Query
	if err := VerifyDataBlock(enc.Ciphertext, wrong); err != ErrMismatchedQuery {
		t.Fatalf("expected ErrMismatchedQuery, got %v", err)
	}
}

func TestVerifySignedBlock(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	identifier := Hash512([]byte("namespace-entry-id"))
	payload := []byte("namespace entry payload")
	sig, err := SignBlock(priv, identifier, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sb := &SignedBlock{
		Identifier:  identifier,
		SubspacePub: &priv.PublicKey,
		Payload:     payload,
		Signature:   sig,
	}
	if err := VerifySignedBlock(sb, identifier); err != nil {
		t.Fatalf("verify: %v", err)
	}
	sb.Payload = []byte("tampered")
	if err := VerifySignedBlock(sb, identifier); err == nil {
		t.Fatalf("expected verification failure for tampered payload")
	}
}

func TestVerifyKeywordBlock(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal pub: %v", err)
	}
	query := Hash512(pubDER)
	payload := []byte("keyword payload")
	sig, err := SignKeyword(priv, payload)
	if err != nil {
		t.Fatalf("sign keyword: %v", err)
	}
	kb := &KeywordBlock{KeyspacePub: &priv.PublicKey, Payload: payload, Signature: sig}
	if err := VerifyKeywordBlock(kb, query); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyOnDemandNotOnWire(t *testing.T) {
	if err := VerifyOnDemandNotOnWire(TypeOnDemand); err != ErrOnDemandOnWire {
		t.Fatalf("expected ErrOnDemandOnWire, got %v", err)
	}
	if err := VerifyOnDemandNotOnWire(TypeData); err != nil {
		t.Fatalf("expected nil for non-ondemand type, got %v", err)
	}
}
