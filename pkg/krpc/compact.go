package krpc

import (
	"encoding/binary"
	"net"
	"strconv"
)

// Compact record widths: a node is 20-byte ID + 4-byte IPv4 + 2-byte
// big-endian port; a peer drops the ID.
const (
	compactNodeLen = 26
	compactPeerLen = 6
)

// NodeInfo is one entry of a compact "nodes" field.
type NodeInfo struct {
	ID   [20]byte
	IP   net.IP
	Port int
}

// UDPAddr returns the node's dialable address.
func (n NodeInfo) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: n.Port}
}

// Peer is one entry of a compact "values" field.
type Peer struct {
	IP   net.IP
	Port int
}

func (p Peer) String() string {
	return p.IP.String() + ":" + strconv.Itoa(p.Port)
}

// PackNodes serializes nodes into a compact "nodes" field value.
func PackNodes(nodes []NodeInfo) []byte {
	out := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		ip := n.IP.To4()
		if ip == nil {
			continue
		}
		out = append(out, n.ID[:]...)
		out = append(out, ip...)
		out = binary.BigEndian.AppendUint16(out, uint16(n.Port))
	}
	return out
}

// UnpackNodes parses a compact "nodes" field. A trailing partial
// record is ignored rather than rejected; remote nodes are not trusted
// to frame correctly.
func UnpackNodes(data []byte) []NodeInfo {
	var nodes []NodeInfo
	for i := 0; i+compactNodeLen <= len(data); i += compactNodeLen {
		var n NodeInfo
		copy(n.ID[:], data[i:i+20])
		n.IP = net.IP(append([]byte(nil), data[i+20:i+24]...))
		n.Port = int(binary.BigEndian.Uint16(data[i+24 : i+26]))
		nodes = append(nodes, n)
	}
	return nodes
}

// PackPeers serializes peers into a compact "values" list.
func PackPeers(peers []Peer) []interface{} {
	values := make([]interface{}, 0, len(peers))
	for _, p := range peers {
		ip := p.IP.To4()
		if ip == nil {
			continue
		}
		buf := make([]byte, 0, compactPeerLen)
		buf = append(buf, ip...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(p.Port))
		values = append(values, buf)
	}
	return values
}

// UnpackValues parses a decoded "values" field: a bencode list of
// 6-byte peer strings. Entries of the wrong shape are skipped.
func UnpackValues(v interface{}) []Peer {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var peers []Peer
	for _, item := range list {
		s, ok := StringValue(item)
		if !ok || len(s) != compactPeerLen {
			continue
		}
		peers = append(peers, Peer{
			IP:   net.IP(append([]byte(nil), s[0:4]...)),
			Port: int(binary.BigEndian.Uint16([]byte(s[4:6]))),
		})
	}
	return peers
}
