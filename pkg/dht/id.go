// Package dht implements a Mainline DHT client specialized for swarm
// peer discovery: a Kademlia routing table, router bootstrap, and an
// iterative get_peers lookup engine over a single UDP transport.
package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
)

// IDLen is the byte length of node IDs and info-hashes (160 bits).
const IDLen = 20

// ID is a 160-bit DHT identifier. It names either a node or a torrent
// swarm (info-hash); both live in the same XOR metric space.
type ID [IDLen]byte

// ParseID converts a 40-character hex string into an ID. Anything else
// is rejected with *InvalidHashError before any network activity.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != hex.EncodedLen(IDLen) {
		return id, &InvalidHashError{Input: s, Reason: "must be 40 hex characters"}
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, &InvalidHashError{Input: s, Reason: "not valid hex"}
	}
	copy(id[:], raw)
	return id, nil
}

// RandomID returns a cryptographically random ID, used as this node's
// own identity for the run.
func RandomID() ID {
	var id ID
	rand.Read(id[:])
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance returns the XOR distance between two IDs.
func (id ID) Distance(other ID) ID {
	var d ID
	for i := 0; i < IDLen; i++ {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Bit returns bit i of the ID, most significant first.
func (id ID) Bit(i int) int {
	return int(id[i/8]>>(7-uint(i%8))) & 1
}

// CompareDistance orders a and b by their XOR distance to target:
// -1 if a is closer, 1 if b is closer, 0 if equidistant.
func CompareDistance(a, b, target ID) int {
	da := a.Distance(target)
	db := b.Distance(target)
	return bytes.Compare(da[:], db[:])
}
