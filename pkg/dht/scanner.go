package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Scanner discovers swarm peers for caller-supplied info-hashes. One
// Scanner owns one UDP transport and one routing table, shared by all
// lookups it runs.
type Scanner struct {
	cfg       *Config
	log       *zap.Logger
	self      ID
	table     *Table
	transport *transport
	q         peerQuerier
}

// New binds the UDP socket and prepares a scanner. A bind failure is
// the only fatal condition and surfaces as ErrNetworkUnavailable.
func New(log *zap.Logger, cfg *Config) (*Scanner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	self := RandomID()
	table := NewTable(self)
	tr, err := newTransport(log, cfg.ListenAddr, self, table, cfg.QueryTimeout)
	if err != nil {
		return nil, err
	}

	return &Scanner{
		cfg:       cfg,
		log:       log,
		self:      self,
		table:     table,
		transport: tr,
		q:         tr,
	}, nil
}

// Start launches the receive loop and bootstraps the routing table.
// It blocks for up to the bootstrap settle budget, mirroring the fixed
// delay DHT clients need before lookups are worthwhile.
func (s *Scanner) Start(ctx context.Context) {
	s.transport.start()
	s.log.Info("dht scanner listening",
		zap.String("addr", s.transport.localAddr().String()),
		zap.String("node_id", s.self.String()))
	s.bootstrap(ctx)
}

// Stop shuts down the transport. Outstanding lookups see their queries
// fail and drain.
func (s *Scanner) Stop() {
	s.transport.stop()
}

// LocalAddr reports the bound UDP address.
func (s *Scanner) LocalAddr() net.Addr {
	return s.transport.localAddr()
}

// Scan looks up peers for every hex info-hash, in input order, each
// within the configured per-hash budget. All hashes are validated
// before any lookup I/O; one malformed entry fails the whole call with
// *InvalidHashError. Cancellation stops new lookups and returns the
// peers accumulated so far; a hash with zero peers is a valid result,
// not an error.
func (s *Scanner) Scan(ctx context.Context, hexHashes []string) (*ScanResult, error) {
	targets := make([]ID, len(hexHashes))
	for i, h := range hexHashes {
		id, err := ParseID(h)
		if err != nil {
			return nil, err
		}
		targets[i] = id
	}

	result := newScanResult(time.Now(), hexHashes)
	s.log.Info("starting scan",
		zap.Int("hashes", len(hexHashes)),
		zap.Duration("budget_per_hash", s.cfg.ScanBudget),
		zap.Int("concurrency", s.cfg.ScanConcurrency))

	sem := semaphore.NewWeighted(int64(s.cfg.ScanConcurrency))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for i := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // cancelled: keep whatever completed
		}
		wg.Add(1)
		go func(hash string, target ID) {
			defer wg.Done()
			defer sem.Release(1)

			lctx, cancel := context.WithTimeout(ctx, s.cfg.ScanBudget)
			defer cancel()

			peers := s.lookupPeers(lctx, target)
			mu.Lock()
			result.set(hash, peers)
			mu.Unlock()

			s.log.Info("hash scanned",
				zap.String("info_hash", hash),
				zap.Int("peers", len(peers)))
		}(hexHashes[i], targets[i])
	}
	wg.Wait()

	return result, nil
}

// lookupPeers runs one iterative lookup against the shared table and
// transport.
func (s *Scanner) lookupPeers(ctx context.Context, target ID) []PeerEndpoint {
	l := newLookup(s.log, s.table, s.q, target, s.cfg.Alpha, s.cfg.K)
	return l.run(ctx)
}
