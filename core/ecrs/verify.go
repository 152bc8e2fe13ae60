package ecrs

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// SignedBlock is a namespace entry: query is an explicit identifier field,
// verified by an RSA signature over {identifier, subspace pubkey, payload}
// (spec.md §4.1, type SIGNED).
type SignedBlock struct {
	Identifier   Query
	SubspacePub  *rsa.PublicKey
	Payload      []byte
	Signature    []byte
}

// KeywordBlock is a keyword entry: query = hash(keyspace pubkey), verified
// by an RSA signature over the payload using the keyspace key (spec.md
// §4.1, type KEYWORD).
type KeywordBlock struct {
	KeyspacePub *rsa.PublicKey
	Payload     []byte
	Signature   []byte
}

// KeywordForNamespaceBlock wraps a signed KeywordBlock so that both the
// inner and outer signatures must verify (spec.md §4.1, type
// KEYWORD_FOR_NAMESPACE).
type KeywordForNamespaceBlock struct {
	Inner KeywordBlock
	Outer SignedBlock
}

func signingDigest(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// SignBlock produces an RSA-PSS signature over {identifier, subspace
// pubkey, payload}, for use building a SignedBlock.
func SignBlock(priv *rsa.PrivateKey, identifier Query, payload []byte) ([]byte, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ecrs: marshal pubkey: %w", err)
	}
	digest := signingDigest(identifier[:], pubDER, payload)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest, nil)
}

// VerifySignedBlock checks the query-derivation and signature rule for a
// SIGNED block.
func VerifySignedBlock(b *SignedBlock, expectedQuery Query) error {
	if b.Identifier != expectedQuery {
		return ErrMismatchedQuery
	}
	pubDER, err := x509.MarshalPKIXPublicKey(b.SubspacePub)
	if err != nil {
		return fmt.Errorf("%w: marshal pubkey: %v", ErrMalformed, err)
	}
	digest := signingDigest(b.Identifier[:], pubDER, b.Payload)
	if err := rsa.VerifyPSS(b.SubspacePub, crypto.SHA256, digest, b.Signature, nil); err != nil {
		return fmt.Errorf("ecrs: signed block signature: %w", err)
	}
	return nil
}

// SignKeyword produces the RSA-PSS signature over payload using the
// keyspace private key.
func SignKeyword(priv *rsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := signingDigest(payload)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest, nil)
}

// VerifyKeywordBlock checks the query-derivation and signature rule for a
// KEYWORD block: query = hash(keyspace pubkey).
func VerifyKeywordBlock(b *KeywordBlock, expectedQuery Query) error {
	pubDER, err := x509.MarshalPKIXPublicKey(b.KeyspacePub)
	if err != nil {
		return fmt.Errorf("%w: marshal pubkey: %v", ErrMalformed, err)
	}
	if Hash512(pubDER) != expectedQuery {
		return ErrMismatchedQuery
	}
	digest := signingDigest(b.Payload)
	if err := rsa.VerifyPSS(b.KeyspacePub, crypto.SHA256, digest, b.Signature, nil); err != nil {
		return fmt.Errorf("ecrs: keyword block signature: %w", err)
	}
	return nil
}

// VerifyKeywordForNamespaceBlock verifies both the inner keyword block and
// the outer namespace signature; its query is derived from the inner
// block's keyspace pubkey (spec.md §4.1).
func VerifyKeywordForNamespaceBlock(b *KeywordForNamespaceBlock, expectedQuery Query) error {
	innerPubDER, err := x509.MarshalPKIXPublicKey(b.Inner.KeyspacePub)
	if err != nil {
		return fmt.Errorf("%w: marshal inner pubkey: %v", ErrMalformed, err)
	}
	if Hash512(innerPubDER) != expectedQuery {
		return ErrMismatchedQuery
	}
	if err := VerifyKeywordBlock(&b.Inner, Hash512(innerPubDER)); err != nil {
		return err
	}
	return VerifySignedBlock(&b.Outer, b.Outer.Identifier)
}

// VerifyDataBlock checks the DATA block rule: query == hash(ciphertext).
func VerifyDataBlock(ciphertext []byte, expectedQuery Query) error {
	if QueryOf(ciphertext) != expectedQuery {
		return ErrMismatchedQuery
	}
	return nil
}

// VerifyOnDemandNotOnWire rejects an ONDEMAND block ever observed as an
// incoming network block (spec.md §4.1: storage-internal only).
func VerifyOnDemandNotOnWire(typ BlockType) error {
	if typ == TypeOnDemand {
		return ErrOnDemandOnWire
	}
	return nil
}

// VerifyRSASignature checks an RSA-PSS signature over data using the same
// digest scheme as the block signature rules above. It is the generic
// primitive behind HELLO verification (spec.md §3) and any other caller
// that signs raw bytes rather than a block's (identifier, pubkey, payload)
// triple.
func VerifyRSASignature(pub *rsa.PublicKey, data []byte, signature []byte) error {
	digest := signingDigest(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest, signature, nil); err != nil {
		return fmt.Errorf("ecrs: rsa signature: %w", err)
	}
	return nil
}

// SignRSA produces the matching RSA-PSS signature over data.
func SignRSA(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := signingDigest(data)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest, nil)
}
