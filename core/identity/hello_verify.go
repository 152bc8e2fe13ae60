package identity

import (
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"

	"anonet/core/ecrs"
	"anonet/internal/wire"
)

// MarshalPublicKey encodes pub into the raw fixed-width form a HELLO's
// PublicKey field carries. Exposed for callers that build and sign their
// own HELLO records (spec.md §3).
func MarshalPublicKey(pub *rsa.PublicKey) ([wire.PublicKeySize]byte, error) {
	return marshalHelloPublicKey(pub)
}

// SignHello fills h.PublicKey, h.PeerID, and h.Signature from priv,
// producing a HELLO that will pass verifyHello / AddHost.
func SignHello(priv *rsa.PrivateKey, h *wire.Hello) error {
	raw, err := marshalHelloPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}
	h.PublicKey = raw
	h.PeerID = ecrs.Hash512(h.PublicKey[:])
	h.Signature = [wire.SignatureSize]byte{}
	material, err := helloSignedMaterial(h)
	if err != nil {
		return err
	}
	sig, err := ecrs.SignRSA(priv, material)
	if err != nil {
		return err
	}
	copy(h.Signature[:], sig)
	return nil
}

// helloExponentSize/helloModulusSize split wire.PublicKeySize into a raw,
// fixed-width RSA public key envelope: a 4-byte big-endian exponent
// followed by a 260-byte big-endian modulus. Standard PKIX DER does not
// fit the HELLO's fixed 264-byte field (a 2048-bit key's DER encoding runs
// to roughly 294 bytes), so HELLOs carry the key in this raw form instead.
const (
	helloExponentSize = 4
	helloModulusSize  = wire.PublicKeySize - helloExponentSize
)

// marshalHelloPublicKey encodes pub into the HELLO's fixed-width public
// key field.
func marshalHelloPublicKey(pub *rsa.PublicKey) ([wire.PublicKeySize]byte, error) {
	var out [wire.PublicKeySize]byte
	modulus := pub.N.Bytes()
	if len(modulus) > helloModulusSize {
		return out, fmt.Errorf("identity: rsa modulus too large for hello (%d > %d bytes)", len(modulus), helloModulusSize)
	}
	binary.BigEndian.PutUint32(out[:helloExponentSize], uint32(pub.E))
	copy(out[wire.PublicKeySize-len(modulus):], modulus)
	return out, nil
}

// parseHelloPublicKey decodes the HELLO's fixed-width public key field.
func parseHelloPublicKey(raw [wire.PublicKeySize]byte) (*rsa.PublicKey, error) {
	exp := binary.BigEndian.Uint32(raw[:helloExponentSize])
	if exp == 0 {
		return nil, fmt.Errorf("identity: hello public key has zero exponent")
	}
	n := new(big.Int).SetBytes(raw[helloExponentSize:])
	if n.Sign() == 0 {
		return nil, fmt.Errorf("identity: hello public key has zero modulus")
	}
	return &rsa.PublicKey{N: n, E: int(exp)}, nil
}

// helloSignedMaterial returns everything a HELLO's signature covers: the
// encoded record minus the 4-byte size/type prefix and the signature field
// itself (spec.md §3: the signature is "over everything except the
// signature").
func helloSignedMaterial(h *wire.Hello) ([]byte, error) {
	buf, err := h.Encode()
	if err != nil {
		return nil, err
	}
	const prefixAndSignature = 4 + wire.SignatureSize
	if len(buf) < prefixAndSignature {
		return nil, fmt.Errorf("identity: encoded hello shorter than its own header")
	}
	return buf[prefixAndSignature:], nil
}

// verifyHello checks the two load-bearing HELLO invariants of spec.md §3:
// the peer identity is hash(public key), and the signature verifies under
// that public key.
func verifyHello(h *wire.Hello) error {
	pub, err := parseHelloPublicKey(h.PublicKey)
	if err != nil {
		return fmt.Errorf("identity: hello public key: %w", err)
	}
	if ecrs.Hash512(h.PublicKey[:]) != h.PeerID {
		return fmt.Errorf("identity: hello peer id does not match hash(public key)")
	}
	material, err := helloSignedMaterial(h)
	if err != nil {
		return fmt.Errorf("identity: hello signed material: %w", err)
	}
	if err := ecrs.VerifyRSASignature(pub, material, h.Signature[:]); err != nil {
		return fmt.Errorf("identity: hello signature: %w", err)
	}
	return nil
}

// VerifyPeerSignature looks up peer's public key via any cached HELLO
// (persistent or temporary) and checks signature over data under it
// (spec.md §4.6: "Verify-peer-signature").
func (r *Registry) VerifyPeerSignature(peer PeerID, data, signature []byte) error {
	h, ok := r.IdentityToHello(peer, protocolAny, true)
	if !ok {
		return fmt.Errorf("identity: no cached hello for peer")
	}
	pub, err := parseHelloPublicKey(h.PublicKey)
	if err != nil {
		return fmt.Errorf("identity: hello public key: %w", err)
	}
	return ecrs.VerifyRSASignature(pub, data, signature)
}
