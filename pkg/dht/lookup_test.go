package dht

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dht-scanner/pkg/krpc"
)

// mockQuerier answers getPeers from a canned table (or a handler for
// target-sensitive tests) and records concurrency, never touching the
// network.
type mockQuerier struct {
	mu      sync.Mutex
	replies map[string]*getPeersReply // keyed by node address
	handler func(addr *net.UDPAddr, target ID) (*getPeersReply, error)
	delay   time.Duration

	calls       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (m *mockQuerier) getPeers(ctx context.Context, addr *net.UDPAddr, target ID) (*getPeersReply, error) {
	cur := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		max := m.maxInflight.Load()
		if cur <= max || m.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}
	m.calls.Add(1)

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.handler != nil {
		return m.handler(addr, target)
	}
	m.mu.Lock()
	reply := m.replies[addr.String()]
	m.mu.Unlock()
	if reply == nil {
		return nil, ErrQueryTimeout
	}
	return reply, nil
}

func nodeInfo(id ID, addr *net.UDPAddr) krpc.NodeInfo {
	return krpc.NodeInfo{ID: id, IP: addr.IP, Port: addr.Port}
}

func runLookup(t *testing.T, tab *Table, q peerQuerier, target ID, timeout time.Duration) []PeerEndpoint {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	l := newLookup(zap.NewNop(), tab, q, target, 3, BucketSize)
	return l.run(ctx)
}

func TestLookupFollowsNodeChain(t *testing.T) {
	t.Parallel()

	var target ID
	target[19] = 0x01

	self := RandomID()
	tab := NewTable(self)

	nodeA := RandomID()
	addrA := testAddr(1)
	nodeB := RandomID()
	addrB := testAddr(2)
	tab.Insert(nodeA, addrA)

	peer1 := PeerEndpoint{IP: net.IPv4(1, 2, 3, 4).To4(), Port: 1111}
	peer2 := PeerEndpoint{IP: net.IPv4(5, 6, 7, 8).To4(), Port: 2222}

	// A knows no peers but points at B; B holds the swarm peers.
	mock := &mockQuerier{replies: map[string]*getPeersReply{
		addrA.String(): {from: nodeA, nodes: []krpc.NodeInfo{nodeInfo(nodeB, addrB)}},
		addrB.String(): {from: nodeB, peers: []krpc.Peer{
			{IP: peer1.IP, Port: peer1.Port},
			{IP: peer2.IP, Port: peer2.Port},
		}},
	}}

	peers := runLookup(t, tab, mock, target, 5*time.Second)

	require.Len(t, peers, 2)
	found := map[string]bool{}
	for _, p := range peers {
		found[p.String()] = true
	}
	require.True(t, found["1.2.3.4:1111"])
	require.True(t, found["5.6.7.8:2222"])

	// Both repliers were confirmed good and B entered the table.
	require.Equal(t, StatusGood, tab.Status(nodeA))
	require.Equal(t, StatusGood, tab.Status(nodeB))
}

func TestLookupDeduplicatesPeers(t *testing.T) {
	t.Parallel()

	target := RandomID()
	tab := NewTable(RandomID())

	nodeA, nodeB := RandomID(), RandomID()
	addrA, addrB := testAddr(1), testAddr(2)
	tab.Insert(nodeA, addrA)
	tab.Insert(nodeB, addrB)

	shared := krpc.Peer{IP: net.IPv4(9, 9, 9, 9).To4(), Port: 9999}
	only := krpc.Peer{IP: net.IPv4(8, 8, 8, 8).To4(), Port: 8888}

	mock := &mockQuerier{replies: map[string]*getPeersReply{
		addrA.String(): {from: nodeA, peers: []krpc.Peer{shared, only}},
		addrB.String(): {from: nodeB, peers: []krpc.Peer{shared}},
	}}

	peers := runLookup(t, tab, mock, target, 5*time.Second)

	require.Len(t, peers, 2)
	seen := map[string]int{}
	for _, p := range peers {
		seen[p.String()]++
	}
	require.Equal(t, 1, seen["9.9.9.9:9999"])
	require.Equal(t, 1, seen["8.8.8.8:8888"])
}

func TestLookupNeverExceedsAlpha(t *testing.T) {
	t.Parallel()

	target := RandomID()
	tab := NewTable(RandomID())
	for i, id := range randomIDs(7, 20) {
		tab.Insert(id, testAddr(i))
	}

	mock := &mockQuerier{
		delay: 20 * time.Millisecond,
		handler: func(addr *net.UDPAddr, target ID) (*getPeersReply, error) {
			return &getPeersReply{}, nil
		},
	}

	runLookup(t, tab, mock, target, 5*time.Second)

	require.LessOrEqual(t, mock.maxInflight.Load(), int32(3))
	require.Positive(t, mock.calls.Load())
}

func TestLookupRespectsDeadline(t *testing.T) {
	t.Parallel()

	target := RandomID()
	tab := NewTable(RandomID())
	for i, id := range randomIDs(8, 3) {
		tab.Insert(id, testAddr(i))
	}

	// A transport that never answers: queries park until cancellation.
	mock := &mockQuerier{delay: time.Minute}

	start := time.Now()
	peers := runLookup(t, tab, mock, target, 150*time.Millisecond)

	require.Empty(t, peers)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestLookupEmptyRepliesConverge(t *testing.T) {
	t.Parallel()

	target := RandomID()
	tab := NewTable(RandomID())
	nodeA := RandomID()
	tab.Insert(nodeA, testAddr(1))

	// Zero peers and zero closer nodes must terminate, not stall.
	mock := &mockQuerier{replies: map[string]*getPeersReply{
		testAddr(1).String(): {from: nodeA},
	}}

	peers := runLookup(t, tab, mock, target, 5*time.Second)
	require.Empty(t, peers)
	require.Equal(t, int32(1), mock.calls.Load())
}

func TestLookupWithEmptyTable(t *testing.T) {
	t.Parallel()

	mock := &mockQuerier{}
	peers := runLookup(t, NewTable(RandomID()), mock, RandomID(), time.Second)

	require.Empty(t, peers)
	require.Zero(t, mock.calls.Load())
}

func TestLookupSkipsNodesGoneBad(t *testing.T) {
	t.Parallel()

	target := RandomID()
	tab := NewTable(RandomID())
	nodeA := RandomID()
	tab.Insert(nodeA, testAddr(1))
	tab.MarkFailed(nodeA)
	tab.MarkFailed(nodeA)

	mock := &mockQuerier{replies: map[string]*getPeersReply{
		testAddr(1).String(): {from: nodeA},
	}}

	peers := runLookup(t, tab, mock, target, time.Second)
	require.Empty(t, peers)
	require.Zero(t, mock.calls.Load(), "bad nodes are never queried")
}
