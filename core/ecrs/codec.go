package ecrs

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

const (
	keySize = 32 // AES-256
	ivSize  = 16 // AES block size
)

// Hash512 returns the 512-bit blake3 digest of data, used both as a
// block's query (over ciphertext) and as a peer identity (over a public
// key, in core/identity).
func Hash512(data []byte) [64]byte {
	var out [64]byte
	h := blake3.New(64, nil)
	h.Write(data)
	sum := h.Sum(nil)
	copy(out[:], sum)
	return out
}

// deriveKeyIV expands a block's plaintext hash into an AES-256 key and a
// 128-bit IV via HKDF (spec.md §4.1 step 2: "KDF fills a 256-bit
// symmetric key and a 128-bit IV").
func deriveKeyIV(plaintextHash [64]byte) (key [keySize]byte, iv [ivSize]byte, err error) {
	newHash := func() hash.Hash { return blake3.New(32, nil) }
	r := hkdf.New(newHash, plaintextHash[:], nil, []byte("anonet-ecrs-content-hash-key"))
	buf := make([]byte, keySize+ivSize)
	if _, err = io.ReadFull(r, buf); err != nil {
		return key, iv, fmt.Errorf("ecrs: derive key/iv: %w", err)
	}
	copy(key[:], buf[:keySize])
	copy(iv[:], buf[keySize:])
	return key, iv, nil
}

// Encoded is the result of Encode: the ciphertext and its query.
type Encoded struct {
	Ciphertext []byte
	Query      Query
}

// Encode encrypts plaintext block b with key material derived from its
// own hash (content-hash keying, spec.md §4.1). Two peers encoding
// identical plaintext produce byte-identical ciphertext and query.
func Encode(b []byte) (Encoded, error) {
	h := Hash512(b)
	key, iv, err := deriveKeyIV(h)
	if err != nil {
		return Encoded{}, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return Encoded{}, fmt.Errorf("ecrs: new cipher: %w", err)
	}
	ciphertext := make([]byte, len(b))
	stream := cipher.NewCFBEncrypter(block, iv[:])
	stream.XORKeyStream(ciphertext, b)
	return Encoded{Ciphertext: ciphertext, Query: Hash512(ciphertext)}, nil
}

// Decode reverses Encode given the originating plaintext's hash (the
// caller must already know or have derived this hash — e.g. from a
// namespace/keyword index entry pointing at it).
func Decode(ciphertext []byte, plaintextHash [64]byte) ([]byte, error) {
	key, iv, err := deriveKeyIV(plaintextHash)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("ecrs: new cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	stream := cipher.NewCFBDecrypter(block, iv[:])
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// QueryOf returns the query for already-encoded ciphertext: hash(ciphertext).
func QueryOf(ciphertext []byte) Query {
	return Hash512(ciphertext)
}
