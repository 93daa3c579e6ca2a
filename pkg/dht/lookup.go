package dht

import (
	"context"
	"net"
	"sort"

	"go.uber.org/zap"

	"dht-scanner/pkg/krpc"
)

// PeerEndpoint is a swarm participant discovered via get_peers.
type PeerEndpoint struct {
	IP   net.IP
	Port int
}

func (p PeerEndpoint) String() string {
	return krpc.Peer{IP: p.IP, Port: p.Port}.String()
}

// peerQuerier is the slice of the transport the lookup engine needs;
// tests substitute an in-memory implementation.
type peerQuerier interface {
	getPeers(ctx context.Context, addr *net.UDPAddr, target ID) (*getPeersReply, error)
}

// lookupResult carries one finished query back to the lookup loop.
type lookupResult struct {
	contact Contact
	reply   *getPeersReply
	err     error
}

// lookup is one iterative get_peers walk toward a target info-hash:
// a distance-sorted shortlist of candidates, at most alpha queries in
// flight, peers accumulated as replies come in.
type lookup struct {
	target ID
	table  *Table
	q      peerQuerier
	log    *zap.Logger
	alpha  int
	k      int

	shortlist []Contact
	seen      map[ID]bool
	queried   map[ID]bool
	peers     map[string]PeerEndpoint
}

func newLookup(log *zap.Logger, table *Table, q peerQuerier, target ID, alpha, k int) *lookup {
	return &lookup{
		target:  target,
		table:   table,
		q:       q,
		log:     log,
		alpha:   alpha,
		k:       k,
		seen:    make(map[ID]bool),
		queried: make(map[ID]bool),
		peers:   make(map[string]PeerEndpoint),
	}
}

// run drives the lookup until it converges (every candidate among the
// k closest has been asked and nothing closer is outstanding) or the
// context deadline cuts it off. Either way the accumulated peer set is
// returned; cancellation only stops new queries from being issued.
func (l *lookup) run(ctx context.Context) []PeerEndpoint {
	for _, c := range l.table.Closest(l.target, l.k) {
		l.addCandidate(c)
	}

	// Buffered so in-flight goroutines can finish after an early return.
	results := make(chan lookupResult, l.alpha)
	inflight := 0

	for {
		for inflight < l.alpha {
			c, ok := l.nextCandidate()
			if !ok {
				break
			}
			l.queried[c.ID] = true
			inflight++
			go func(c Contact) {
				reply, err := l.q.getPeers(ctx, c.Addr, l.target)
				results <- lookupResult{contact: c, reply: reply, err: err}
			}(c)
		}

		if inflight == 0 {
			// Converged: nobody left worth asking.
			return l.collected()
		}

		select {
		case res := <-results:
			inflight--
			l.handle(res)
		case <-ctx.Done():
			return l.collected()
		}
	}
}

// nextCandidate picks the closest not-yet-queried node within the
// k-wide frontier. Nodes that went bad during this lookup are skipped.
func (l *lookup) nextCandidate() (Contact, bool) {
	limit := len(l.shortlist)
	if limit > l.k {
		limit = l.k
	}
	for i := 0; i < limit; i++ {
		c := l.shortlist[i]
		if l.queried[c.ID] {
			continue
		}
		if l.table.Status(c.ID) == StatusBad {
			l.queried[c.ID] = true
			continue
		}
		return c, true
	}
	return Contact{}, false
}

// handle merges one reply (or failure) into the lookup state.
func (l *lookup) handle(res lookupResult) {
	if res.err != nil {
		l.table.MarkFailed(res.contact.ID)
		l.log.Debug("lookup query failed",
			zap.String("target", l.target.String()),
			zap.String("node", res.contact.Addr.String()),
			zap.Error(res.err))
		return
	}

	l.table.MarkGood(res.contact.ID)

	for _, p := range res.reply.peers {
		ep := PeerEndpoint{IP: p.IP, Port: p.Port}
		l.peers[ep.String()] = ep
	}

	for _, n := range res.reply.nodes {
		if !usableNode(n) {
			continue
		}
		var id ID = n.ID
		if id == l.table.Self() {
			continue
		}
		addr := n.UDPAddr()
		l.table.Insert(id, addr)
		l.addCandidate(Contact{ID: id, Addr: addr})
	}
}

// addCandidate inserts an unseen contact into the shortlist, keeping
// it sorted by distance to the target.
func (l *lookup) addCandidate(c Contact) {
	if l.seen[c.ID] || c.Addr == nil {
		return
	}
	l.seen[c.ID] = true
	l.shortlist = append(l.shortlist, c)
	sort.SliceStable(l.shortlist, func(i, j int) bool {
		return CompareDistance(l.shortlist[i].ID, l.shortlist[j].ID, l.target) < 0
	})
}

func (l *lookup) collected() []PeerEndpoint {
	out := make([]PeerEndpoint, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, p)
	}
	return out
}

// usableNode filters compact node entries that could never be queried.
func usableNode(n krpc.NodeInfo) bool {
	if n.Port <= 0 || n.Port > 65535 {
		return false
	}
	ip := n.IP.To4()
	return ip != nil && !ip.IsLoopback() && !ip.IsUnspecified()
}
