// Package ecrs implements the content-hash-keyed block codec (spec.md
// §4.1, C1): encryption keyed by the plaintext's own hash, and the
// block-type → query derivation/verification rules.
package ecrs

import "fmt"

// BlockType enumerates the datastore block types of spec.md §3.
type BlockType uint32

const (
	// TypeAny is the sentinel "any type" used by iterators.
	TypeAny BlockType = iota
	// TypeData is a leaf data block.
	TypeData
	// TypeSigned is a namespace entry, signed with a subspace key.
	TypeSigned
	// TypeKeyword is a keyword entry, signed with a keyspace key.
	TypeKeyword
	// TypeNamespace is a namespace root block.
	TypeNamespace
	// TypeKeywordForNamespace wraps a signed keyword block for a namespace.
	TypeKeywordForNamespace
	// TypeOnDemand is a storage-internal indirection to a plaintext file;
	// it must never appear on the wire (spec.md §4.1).
	TypeOnDemand
)

func (t BlockType) String() string {
	switch t {
	case TypeAny:
		return "ANY"
	case TypeData:
		return "DATA"
	case TypeSigned:
		return "SIGNED"
	case TypeKeyword:
		return "KEYWORD"
	case TypeNamespace:
		return "NAMESPACE"
	case TypeKeywordForNamespace:
		return "KEYWORD_FOR_NAMESPACE"
	case TypeOnDemand:
		return "ONDEMAND"
	default:
		return fmt.Sprintf("BlockType(%d)", uint32(t))
	}
}

// Query is the 512-bit content identifier used to retrieve a block.
type Query [64]byte

// ErrMismatchedQuery is returned when a block's derived query does not
// match its declared/expected query.
var ErrMismatchedQuery = fmt.Errorf("ecrs: mismatched query")

// ErrUnknownType is returned for a block type verify has no rule for.
var ErrUnknownType = fmt.Errorf("ecrs: unknown block type")

// ErrMalformed is returned for a block of the wrong length for its type.
var ErrMalformed = fmt.Errorf("ecrs: malformed block")

// ErrOnDemandOnWire is returned if an ONDEMAND block is ever verified as
// though it came from the wire (spec.md §4.1: "must not appear on the
// wire").
var ErrOnDemandOnWire = fmt.Errorf("ecrs: ondemand block must not appear on the wire")
