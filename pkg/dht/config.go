package dht

import "time"

// DefaultRouters are the well-known bootstrap routers queried to seed
// the routing table.
var DefaultRouters = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
	"dht.aelitis.com:6881",
	"dht.libtorrent.org:25401",
}

// Config holds scanner configuration.
type Config struct {
	ListenAddr       string        // UDP listen address, ":0" picks a free port
	Routers          []string      // bootstrap router host:port pairs
	QueryTimeout     time.Duration // per-query reply window, independent of scan budget
	ScanBudget       time.Duration // per-hash lookup deadline
	ScanConcurrency  int           // simultaneous hash lookups; 1 = sequential
	Alpha            int           // in-flight queries per lookup
	K                int           // lookup frontier width, matches bucket size
	MinNodes         int           // routing table population that ends bootstrap early
	BootstrapRounds  int           // maximum breadth-first bootstrap rounds
	BootstrapTimeout time.Duration // overall bootstrap settle budget
}

// DefaultConfig returns the balanced defaults: sequential scans, the
// conventional Kademlia parameters, and the original 10 s settle /
// 30 s per-hash windows.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       "0.0.0.0:0",
		Routers:          DefaultRouters,
		QueryTimeout:     3 * time.Second,
		ScanBudget:       30 * time.Second,
		ScanConcurrency:  1,
		Alpha:            3,
		K:                BucketSize,
		MinNodes:         16,
		BootstrapRounds:  8,
		BootstrapTimeout: 10 * time.Second,
	}
}
