// Package wire implements the fixed binary layouts of spec.md §6: the
// HELLO record, the block-on-wire header, and the GAP query/reply
// messages. All integers are network byte order (big endian).
package wire

import (
	"encoding/binary"
	"fmt"
)

// Message type tags (spec.md §6).
const (
	TypeHello    uint16 = 1
	TypeGapQuery uint16 = 2
	TypeGapReply uint16 = 3
)

const (
	// HashSize is the width of a peer identity or query (512 bits).
	HashSize = 64
	// SignatureSize is the width of an RSA signature over a HELLO.
	SignatureSize = 512
	// PublicKeySize is the width of a 2048-bit RSA public key envelope.
	PublicKeySize = 264

	helloFixedSize = 2 + 2 + SignatureSize + PublicKeySize + HashSize + 4 + 4 + 2 + 2
)

// Hello is the signed advertisement of one address under one protocol
// (spec.md §3 "HELLO record").
type Hello struct {
	Signature  [SignatureSize]byte
	PublicKey  [PublicKeySize]byte
	PeerID     [HashSize]byte
	Expiration uint32 // seconds since epoch
	MTU        uint32
	Protocol   uint16
	Address    []byte
}

// Size returns the on-wire size of h, including the 4-byte size+type
// prefix.
func (h *Hello) Size() uint16 {
	return uint16(helloFixedSize + len(h.Address))
}

// Encode serializes h into its wire representation.
func (h *Hello) Encode() ([]byte, error) {
	size := h.Size()
	if int(size) < helloFixedSize {
		return nil, fmt.Errorf("wire: hello too large")
	}
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint16(buf[off:], size)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], TypeHello)
	off += 2
	copy(buf[off:], h.Signature[:])
	off += SignatureSize
	copy(buf[off:], h.PublicKey[:])
	off += PublicKeySize
	copy(buf[off:], h.PeerID[:])
	off += HashSize
	binary.BigEndian.PutUint32(buf[off:], h.Expiration)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], h.MTU)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(h.Address)))
	off += 2
	binary.BigEndian.PutUint16(buf[off:], h.Protocol)
	off += 2
	copy(buf[off:], h.Address)
	return buf, nil
}

// DecodeHello parses a wire-format HELLO. It returns a malformed error if
// the buffer is shorter than its declared size or the fixed header.
func DecodeHello(buf []byte) (*Hello, error) {
	if len(buf) < helloFixedSize {
		return nil, fmt.Errorf("wire: malformed hello: short buffer")
	}
	off := 0
	size := binary.BigEndian.Uint16(buf[off:])
	off += 2
	typ := binary.BigEndian.Uint16(buf[off:])
	off += 2
	if typ != TypeHello {
		return nil, fmt.Errorf("wire: unexpected type %d for hello", typ)
	}
	if int(size) > len(buf) {
		return nil, fmt.Errorf("wire: malformed hello: declared size %d exceeds buffer %d", size, len(buf))
	}
	h := &Hello{}
	copy(h.Signature[:], buf[off:off+SignatureSize])
	off += SignatureSize
	copy(h.PublicKey[:], buf[off:off+PublicKeySize])
	off += PublicKeySize
	copy(h.PeerID[:], buf[off:off+HashSize])
	off += HashSize
	h.Expiration = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.MTU = binary.BigEndian.Uint32(buf[off:])
	off += 4
	addrLen := binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.Protocol = binary.BigEndian.Uint16(buf[off:])
	off += 2
	if off+int(addrLen) > int(size) {
		return nil, fmt.Errorf("wire: malformed hello: address length overruns declared size")
	}
	h.Address = append([]byte(nil), buf[off:off+int(addrLen)]...)
	return h, nil
}

// BlockHeader is the fixed-size prefix of every datastore block
// (spec.md §3 "Datastore block").
type BlockHeader struct {
	Size            uint32
	Type            uint32
	Priority        uint32
	AnonymityLevel  uint32
	ExpirationTime  uint64
}

const blockHeaderSize = 4 + 4 + 4 + 4 + 8

// Block is a block-on-wire: header plus payload (spec.md §6).
type Block struct {
	BlockHeader
	Payload []byte
}

// Encode serializes b, recomputing Size from len(Payload)+header size.
func (b *Block) Encode() []byte {
	b.BlockHeader.Size = uint32(blockHeaderSize + len(b.Payload))
	buf := make([]byte, b.BlockHeader.Size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], b.BlockHeader.Size)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], b.Type)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], b.Priority)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], b.AnonymityLevel)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], b.ExpirationTime)
	off += 8
	copy(buf[off:], b.Payload)
	return buf
}

// DecodeBlock parses a block-on-wire buffer. Returns an error if size <
// header size (spec.md §3 invariant "size ≥ |header|").
func DecodeBlock(buf []byte) (*Block, error) {
	if len(buf) < blockHeaderSize {
		return nil, fmt.Errorf("wire: malformed block: short buffer")
	}
	off := 0
	size := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if size < blockHeaderSize {
		return nil, fmt.Errorf("wire: malformed block: size %d smaller than header", size)
	}
	if int(size) > len(buf) {
		return nil, fmt.Errorf("wire: malformed block: declared size %d exceeds buffer %d", size, len(buf))
	}
	b := &Block{}
	b.BlockHeader.Size = size
	b.Type = binary.BigEndian.Uint32(buf[off:])
	off += 4
	b.Priority = binary.BigEndian.Uint32(buf[off:])
	off += 4
	b.AnonymityLevel = binary.BigEndian.Uint32(buf[off:])
	off += 4
	b.ExpirationTime = binary.BigEndian.Uint64(buf[off:])
	off += 8
	b.Payload = append([]byte(nil), buf[off:size]...)
	return b, nil
}

// Query is a GAP query message (spec.md §6).
type Query struct {
	Priority    uint32
	TTL         uint32
	Keys        [][HashSize]byte
	ReplyToPeer [HashSize]byte
}

// Encode serializes q into its wire representation.
func (q *Query) Encode() ([]byte, error) {
	size := 2 + 2 + 4 + 4 + 4 + len(q.Keys)*HashSize + HashSize
	if size > 0xFFFF {
		return nil, fmt.Errorf("wire: query too large: %d bytes", size)
	}
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(size))
	off += 2
	binary.BigEndian.PutUint16(buf[off:], TypeGapQuery)
	off += 2
	binary.BigEndian.PutUint32(buf[off:], q.Priority)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], q.TTL)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(q.Keys)))
	off += 4
	for _, k := range q.Keys {
		copy(buf[off:], k[:])
		off += HashSize
	}
	copy(buf[off:], q.ReplyToPeer[:])
	return buf, nil
}

// DecodeQuery parses a wire-format GAP query.
func DecodeQuery(buf []byte) (*Query, error) {
	const fixed = 2 + 2 + 4 + 4 + 4
	if len(buf) < fixed {
		return nil, fmt.Errorf("wire: malformed query: short buffer")
	}
	off := 0
	size := binary.BigEndian.Uint16(buf[off:])
	off += 2
	typ := binary.BigEndian.Uint16(buf[off:])
	off += 2
	if typ != TypeGapQuery {
		return nil, fmt.Errorf("wire: unexpected type %d for query", typ)
	}
	q := &Query{}
	q.Priority = binary.BigEndian.Uint32(buf[off:])
	off += 4
	q.TTL = binary.BigEndian.Uint32(buf[off:])
	off += 4
	keyCount := binary.BigEndian.Uint32(buf[off:])
	off += 4
	needed := fixed + int(keyCount)*HashSize + HashSize
	if needed > len(buf) || uint16(needed) > size {
		return nil, fmt.Errorf("wire: malformed query: key-count overruns buffer")
	}
	q.Keys = make([][HashSize]byte, keyCount)
	for i := range q.Keys {
		copy(q.Keys[i][:], buf[off:off+HashSize])
		off += HashSize
	}
	copy(q.ReplyToPeer[:], buf[off:off+HashSize])
	return q, nil
}

// Reply is a GAP reply message: a type+size prefix wrapping one block.
type Reply struct {
	Block Block
}

// Encode serializes r.
func (r *Reply) Encode() ([]byte, error) {
	blockBuf := r.Block.Encode()
	size := 2 + 2 + len(blockBuf)
	if size > 0xFFFF {
		return nil, fmt.Errorf("wire: reply too large: %d bytes", size)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:], uint16(size))
	binary.BigEndian.PutUint16(buf[2:], TypeGapReply)
	copy(buf[4:], blockBuf)
	return buf, nil
}

// DecodeReply parses a wire-format GAP reply.
func DecodeReply(buf []byte) (*Reply, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("wire: malformed reply: short buffer")
	}
	typ := binary.BigEndian.Uint16(buf[2:])
	if typ != TypeGapReply {
		return nil, fmt.Errorf("wire: unexpected type %d for reply", typ)
	}
	b, err := DecodeBlock(buf[4:])
	if err != nil {
		return nil, err
	}
	return &Reply{Block: *b}, nil
}
