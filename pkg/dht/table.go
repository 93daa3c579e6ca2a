package dht

import (
	"net"
	"sort"
	"sync"
	"time"
)

// BucketSize is K, the per-bucket contact capacity.
const BucketSize = 8

// bucket covers the IDs sharing the first prefixLen bits of prefix.
// Bits of prefix past prefixLen are always zero.
type bucket struct {
	prefix    ID
	prefixLen int
	contacts  []*Contact
}

func (b *bucket) covers(id ID) bool {
	for i := 0; i < b.prefixLen; i++ {
		if id.Bit(i) != b.prefix.Bit(i) {
			return false
		}
	}
	return true
}

func (b *bucket) find(id ID) *Contact {
	for _, c := range b.contacts {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// split partitions the bucket's range at its midpoint: two children
// with one more prefix bit, contacts redistributed by that bit.
func (b *bucket) split() (*bucket, *bucket) {
	left := &bucket{prefix: b.prefix, prefixLen: b.prefixLen + 1}
	right := &bucket{prefix: b.prefix, prefixLen: b.prefixLen + 1}
	right.prefix[b.prefixLen/8] |= 1 << (7 - uint(b.prefixLen%8))

	for _, c := range b.contacts {
		if right.covers(c.ID) {
			right.contacts = append(right.contacts, c)
		} else {
			left.contacts = append(left.contacts, c)
		}
	}
	return left, right
}

// Table is the Kademlia routing table: an ordered list of buckets
// whose ranges partition the 160-bit ID space. A single mutex guards
// it; contention is negligible at lookup rates.
type Table struct {
	self ID

	mu      sync.Mutex
	buckets []*bucket
}

// NewTable creates a table for the given own ID, starting from one
// bucket covering the whole ID space.
func NewTable(self ID) *Table {
	return &Table{self: self, buckets: []*bucket{{}}}
}

// Self returns the table owner's node ID.
func (t *Table) Self() ID {
	return t.self
}

// Insert adds a newly heard-of node or refreshes an existing entry.
// A full bucket covering our own ID splits at its midpoint and the
// insert retries; a full bucket elsewhere only accepts the node by
// displacing its oldest bad entry, otherwise the node is dropped.
func (t *Table) Insert(id ID, addr *net.UDPAddr) {
	if id == t.self || addr == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		b := t.buckets[t.bucketIndex(id)]
		if c := b.find(id); c != nil {
			c.Addr = addr
			c.LastSeen = time.Now()
			return
		}
		if len(b.contacts) < BucketSize {
			b.contacts = append(b.contacts, &Contact{ID: id, Addr: addr, LastSeen: time.Now()})
			return
		}
		if b.covers(t.self) && b.prefixLen < IDLen*8 {
			t.splitBucket(t.bucketIndex(id))
			continue
		}

		victim := -1
		for i, c := range b.contacts {
			if c.Status != StatusBad {
				continue
			}
			if victim == -1 || c.LastSeen.Before(b.contacts[victim].LastSeen) {
				victim = i
			}
		}
		if victim >= 0 {
			b.contacts[victim] = &Contact{ID: id, Addr: addr, LastSeen: time.Now()}
		}
		return
	}
}

// Closest returns up to n contacts ordered by ascending XOR distance
// to target. Copies are returned; live entries stay under the lock.
func (t *Table) Closest(target ID, n int) []Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	var all []Contact
	for _, b := range t.buckets {
		for _, c := range b.contacts {
			all = append(all, *c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return CompareDistance(all[i].ID, all[j].ID, target) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// MarkGood records a successful reply from the node.
func (t *Table) MarkGood(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.buckets[t.bucketIndex(id)].find(id); c != nil {
		c.markGood()
	}
}

// MarkFailed records an unanswered query: questionable on the first
// timeout, bad on repeats.
func (t *Table) MarkFailed(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.buckets[t.bucketIndex(id)].find(id); c != nil {
		c.markFailed()
	}
}

// Status reports the tracked status of a node, StatusUnknown if the
// node is not in the table.
func (t *Table) Status(id ID) ContactStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.buckets[t.bucketIndex(id)].find(id); c != nil {
		return c.Status
	}
	return StatusUnknown
}

// Len returns the number of tracked contacts.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.contacts)
	}
	return n
}

// bucketIndex locates the bucket covering id. Ranges partition the ID
// space, so exactly one bucket matches.
func (t *Table) bucketIndex(id ID) int {
	for i, b := range t.buckets {
		if b.covers(id) {
			return i
		}
	}
	// Unreachable while the partition invariant holds.
	return 0
}

func (t *Table) splitBucket(i int) {
	left, right := t.buckets[i].split()
	t.buckets = append(t.buckets, nil)
	copy(t.buckets[i+2:], t.buckets[i+1:])
	t.buckets[i] = left
	t.buckets[i+1] = right
}
