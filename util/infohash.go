package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	// Each query returns up to this number of nodes.
	KNodes = 8
	// Length in bytes of node IDs and infohashes.
	IDLen = 20
	// Number of bits in the ID space.
	IDBits = IDLen * 8
)

// InfoHash is a 20-byte binary identifier. Node IDs and torrent infohashes
// live in the same 160-bit space, so both use this type.
type InfoHash string

func (i InfoHash) String() string {
	return fmt.Sprintf("%x", string(i))
}

// Valid reports whether i has the length of a DHT identifier.
func (i InfoHash) Valid() bool {
	return len(i) == IDLen
}

// Bit returns the n-th most significant bit of i, 0 or 1.
func (i InfoHash) Bit(n int) int {
	return int(i[n/8]>>(7-uint(n%8))) & 1
}

// DecodeInfoHash transforms a hex-encoded 20-characters string to a binary
// infohash.
func DecodeInfoHash(x string) (b InfoHash, err error) {
	var h []byte
	h, err = hex.DecodeString(x)
	if err != nil {
		return "", fmt.Errorf("DecodeInfoHash: %w", err)
	}
	if len(h) != IDLen {
		return "", fmt.Errorf("DecodeInfoHash: expected InfoHash len=20, got %d", len(h))
	}
	return InfoHash(h), nil
}

// Calculates the distance between two hashes. In DHT/Kademlia, "distance" is
// the XOR of the torrent util.InfoHash and the peer node ID.  This is slower than
// necessary. Should only be used for displaying friendly messages.
func HashDistance(ID1 InfoHash, ID2 InfoHash) (distance string) {
	if len(ID1) != len(ID2) {
		return ""
	}
	d := make([]byte, len(ID1))
	for i := 0; i < len(ID1); i++ {
		d[i] = ID1[i] ^ ID2[i]
	}
	return string(d)
}

// CompareDistance compares the XOR distances of a and b to target without
// allocating. It returns -1 if a is closer, 1 if b is closer and 0 if they
// are at the same distance (which only happens when a == b).
func CompareDistance(target, a, b InfoHash) int {
	for i := 0; i < IDLen; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// RandomID returns a uniformly random identifier.
func RandomID() (InfoHash, error) {
	b := make([]byte, IDLen)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return InfoHash(b), nil
}

// RandomIDWithPrefix returns a random identifier whose first bits bits are
// copied from prefix.
func RandomIDWithPrefix(prefix InfoHash, bits int) (InfoHash, error) {
	r, err := RandomID()
	if err != nil {
		return "", err
	}
	if bits <= 0 {
		return r, nil
	}
	if bits > IDBits {
		bits = IDBits
	}
	b := []byte(r)
	full := bits / 8
	copy(b[:full], prefix[:full])
	if rem := bits % 8; rem != 0 {
		mask := byte(0xff) << (8 - uint(rem))
		b[full] = (prefix[full] & mask) | (b[full] &^ mask)
	}
	return InfoHash(b), nil
}
