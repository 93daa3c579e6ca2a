package dht

import (
	"errors"
	"fmt"
)

// ErrNetworkUnavailable means the UDP socket could not be bound or is
// gone; no DHT activity is possible, so it surfaces immediately.
var ErrNetworkUnavailable = errors.New("dht: network unavailable")

// ErrQueryTimeout is returned by the transport when a query's reply
// window elapses. It is absorbed by the lookup engine, which marks the
// node and moves on; callers of Scan never see it.
var ErrQueryTimeout = errors.New("dht: query timed out")

// InvalidHashError rejects a malformed caller-supplied info-hash. It
// is raised during input validation, before any lookup I/O.
type InvalidHashError struct {
	Input  string
	Reason string
}

func (e *InvalidHashError) Error() string {
	return fmt.Sprintf("invalid info-hash %q: %s", e.Input, e.Reason)
}
