package types

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/bits"
	"math/rand"
)

const (
	// IDLength is the byte length of an identifier (SHA-1 size).
	IDLength = 20
	// IDBits is the bit width of an identifier.
	IDBits = IDLength * 8
)

// ID is a fixed-width 160-bit unsigned identifier. The zero value is the
// number 0. IDs are values and may be shared freely.
type ID [IDLength]byte

var (
	// ZeroID is the identifier 0.
	ZeroID ID
	// MaxID is the identifier with every bit set.
	MaxID = func() ID {
		var id ID
		for i := range id {
			id[i] = 0xff
		}
		return id
	}()
)

// IDFromBytes copies b into an ID. b must be exactly IDLength bytes.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, fmt.Errorf("identifier must be %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromHex parses a 40 character hex string.
func IDFromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("invalid identifier %q: %w", s, err)
	}
	return IDFromBytes(b)
}

// HashID derives an identifier from arbitrary data using SHA-1.
func HashID(data []byte) ID {
	return sha1.Sum(data)
}

// RandomID draws an identifier from r. The same source yields the same
// sequence of identifiers.
func RandomID(r *rand.Rand) ID {
	var id ID
	r.Read(id[:])
	return id
}

// Xor returns id XOR other.
func (id ID) Xor(other ID) ID {
	var out ID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Compare compares the numeric values of id and other.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// BitLen returns the minimum number of bits needed to represent id; 0 for ZeroID.
func (id ID) BitLen() int {
	for i, b := range id {
		if b != 0 {
			return (IDLength-i)*8 - bits.LeadingZeros8(b)
		}
	}
	return 0
}

// Bit returns the i'th bit counting from the most significant one.
func (id ID) Bit(i int) uint {
	return uint(id[i/8]>>(7-uint(i%8))) & 1
}

// IsZero reports whether id is ZeroID.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// Bytes returns a copy of the identifier bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, id[:])
	return b
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first four bytes in hex, for logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := IDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b ID) int {
	return IDBits - a.Xor(b).BitLen()
}
