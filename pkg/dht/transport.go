package dht

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dht-scanner/pkg/krpc"
)

// getPeersReply is the lookup-facing view of a get_peers response:
// the replier's ID, any swarm peers it knows, and closer nodes to
// continue the walk with. Malformed fields degrade to empty slices.
type getPeersReply struct {
	from  ID
	peers []krpc.Peer
	nodes []krpc.NodeInfo
}

// transport owns the UDP socket. It sends queries, matches replies to
// outstanding transactions, and answers inbound ping/find_node/
// get_peers queries so this node stays a usable DHT citizen. All
// socket reads happen on one goroutine.
type transport struct {
	conn         *net.UDPConn
	self         ID
	table        *Table
	log          *zap.Logger
	queryTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *krpc.Message
	txSeq   atomic.Uint32

	done chan struct{}
	wg   sync.WaitGroup
}

func newTransport(log *zap.Logger, listenAddr string, self ID, table *Table, queryTimeout time.Duration) (*transport, error) {
	addr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrNetworkUnavailable, listenAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %q: %v", ErrNetworkUnavailable, listenAddr, err)
	}
	return &transport{
		conn:         conn,
		self:         self,
		table:        table,
		log:          log,
		queryTimeout: queryTimeout,
		pending:      make(map[string]chan *krpc.Message),
		done:         make(chan struct{}),
	}, nil
}

func (t *transport) start() {
	t.wg.Add(1)
	go t.receiveLoop()
}

func (t *transport) stop() {
	close(t.done)
	t.conn.Close()
	t.wg.Wait()
}

func (t *transport) localAddr() net.Addr {
	return t.conn.LocalAddr()
}

// nextTx allocates a transaction ID from a process-wide counter, so
// concurrent lookups sharing the socket never collide.
func (t *transport) nextTx() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], t.txSeq.Add(1))
	return string(b[:])
}

// roundTrip sends one query and waits for its reply, the per-query
// timeout, or context cancellation, whichever comes first. The node's
// own id argument is merged into args here.
func (t *transport) roundTrip(ctx context.Context, addr *net.UDPAddr, method string, args map[string]interface{}) (*krpc.Message, error) {
	tx := t.nextTx()
	args["id"] = t.self[:]

	data, err := krpc.Encode(krpc.NewQuery(tx, method, args))
	if err != nil {
		return nil, err
	}

	ch := make(chan *krpc.Message, 1)
	t.mu.Lock()
	t.pending[tx] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, tx)
		t.mu.Unlock()
	}()

	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		// Datagram loss is the lookup engine's problem; treat a failed
		// send the same as an unanswered query.
		t.log.Debug("send failed", zap.String("to", addr.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: send %s to %s failed", ErrQueryTimeout, method, addr)
	}

	timer := time.NewTimer(t.queryTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Y == krpc.TypeError {
			code, text := reply.ErrorCode()
			return nil, fmt.Errorf("dht: %s rejected by %s: %d %s", method, addr, code, text)
		}
		return reply, nil
	case <-timer.C:
		return nil, ErrQueryTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// getPeers runs one get_peers query against a node.
func (t *transport) getPeers(ctx context.Context, addr *net.UDPAddr, target ID) (*getPeersReply, error) {
	reply, err := t.roundTrip(ctx, addr, krpc.MethodGetPeers, map[string]interface{}{
		"info_hash": target[:],
	})
	if err != nil {
		return nil, err
	}

	out := &getPeersReply{}
	if s, ok := krpc.StringValue(reply.R["id"]); ok && len(s) == IDLen {
		copy(out.from[:], s)
	}
	if s, ok := krpc.StringValue(reply.R["nodes"]); ok {
		out.nodes = krpc.UnpackNodes([]byte(s))
	}
	out.peers = krpc.UnpackValues(reply.R["values"])
	return out, nil
}

// findNode runs one find_node query against a node, returning the
// compact node list from the reply.
func (t *transport) findNode(ctx context.Context, addr *net.UDPAddr, target ID) ([]krpc.NodeInfo, error) {
	reply, err := t.roundTrip(ctx, addr, krpc.MethodFindNode, map[string]interface{}{
		"target": target[:],
	})
	if err != nil {
		return nil, err
	}

	if s, ok := krpc.StringValue(reply.R["id"]); ok && len(s) == IDLen {
		var from ID
		copy(from[:], s)
		t.table.Insert(from, addr)
		t.table.MarkGood(from)
	}
	if s, ok := krpc.StringValue(reply.R["nodes"]); ok {
		return krpc.UnpackNodes([]byte(s)), nil
	}
	return nil, nil
}

// receiveLoop is the only reader of the socket. Replies are routed to
// their pending transaction; queries go to the responder; anything
// malformed is logged and dropped.
func (t *transport) receiveLoop() {
	defer t.wg.Done()

	buf := make([]byte, 2048)
	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		msg, err := krpc.Decode(buf[:n])
		if err != nil {
			t.log.Debug("dropping malformed datagram",
				zap.String("from", addr.String()),
				zap.Error(err))
			continue
		}

		switch msg.Y {
		case krpc.TypeResponse, krpc.TypeError:
			t.dispatch(msg, addr)
		case krpc.TypeQuery:
			t.handleQuery(msg, addr)
		}
	}
}

// dispatch hands a reply to the goroutine awaiting its transaction.
// Late or duplicate replies have no pending entry and are dropped.
func (t *transport) dispatch(msg *krpc.Message, addr *net.UDPAddr) {
	t.mu.Lock()
	ch, ok := t.pending[msg.T]
	if ok {
		delete(t.pending, msg.T)
	}
	t.mu.Unlock()

	if !ok {
		t.log.Debug("reply without pending query",
			zap.String("from", addr.String()))
		return
	}
	ch <- msg
}

// handleQuery answers inbound queries. Peers that query us are
// routing-table material like any other discovered node. announce_peer
// and unknown methods are ignored; this node only observes.
func (t *transport) handleQuery(msg *krpc.Message, addr *net.UDPAddr) {
	if s, ok := krpc.StringValue(msg.A["id"]); ok && len(s) == IDLen {
		var from ID
		copy(from[:], s)
		t.table.Insert(from, addr)
	}

	switch msg.Q {
	case krpc.MethodPing:
		t.reply(addr, msg.T, map[string]interface{}{"id": t.self[:]})
	case krpc.MethodFindNode:
		target, ok := t.targetOf(msg, "target")
		if !ok {
			return
		}
		t.reply(addr, msg.T, map[string]interface{}{
			"id":    t.self[:],
			"nodes": krpc.PackNodes(t.closestNodes(target)),
		})
	case krpc.MethodGetPeers:
		target, ok := t.targetOf(msg, "info_hash")
		if !ok {
			return
		}
		t.reply(addr, msg.T, map[string]interface{}{
			"id":    t.self[:],
			"token": newToken(),
			"nodes": krpc.PackNodes(t.closestNodes(target)),
		})
	}
}

func (t *transport) targetOf(msg *krpc.Message, key string) (ID, bool) {
	var id ID
	s, ok := krpc.StringValue(msg.A[key])
	if !ok || len(s) != IDLen {
		return id, false
	}
	copy(id[:], s)
	return id, true
}

func (t *transport) closestNodes(target ID) []krpc.NodeInfo {
	contacts := t.table.Closest(target, BucketSize)
	nodes := make([]krpc.NodeInfo, 0, len(contacts))
	for _, c := range contacts {
		ip := c.Addr.IP.To4()
		if ip == nil {
			continue
		}
		nodes = append(nodes, krpc.NodeInfo{ID: c.ID, IP: ip, Port: c.Addr.Port})
	}
	return nodes
}

func (t *transport) reply(addr *net.UDPAddr, tx string, resp map[string]interface{}) {
	data, err := krpc.Encode(krpc.NewResponse(tx, resp))
	if err != nil {
		return
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		t.log.Debug("reply send failed", zap.String("to", addr.String()), zap.Error(err))
	}
}

// newToken mints an opaque get_peers token. We never verify announces
// (announce_peer is ignored), so randomness is all it needs.
func newToken() []byte {
	tok := make([]byte, 4)
	rand.Read(tok)
	return tok
}
