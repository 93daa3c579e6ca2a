package dht

import (
	"net"
	"time"
)

// ContactStatus tracks how much a known node can be trusted for
// routing decisions.
type ContactStatus int

const (
	StatusUnknown ContactStatus = iota
	StatusGood
	StatusQuestionable
	StatusBad
)

// A contact turns bad after this many consecutive unanswered queries.
const maxContactFailures = 2

// Contact is one entry of the routing table: a node we have heard of
// or from.
type Contact struct {
	ID       ID
	Addr     *net.UDPAddr
	LastSeen time.Time
	Status   ContactStatus

	failures int
}

// markGood records a successful reply: failures reset, node trusted.
func (c *Contact) markGood() {
	c.Status = StatusGood
	c.failures = 0
	c.LastSeen = time.Now()
}

// markFailed records an unanswered query. One timeout makes a node
// questionable, repeated timeouts make it bad.
func (c *Contact) markFailed() {
	c.failures++
	if c.failures >= maxContactFailures {
		c.Status = StatusBad
	} else {
		c.Status = StatusQuestionable
	}
}
