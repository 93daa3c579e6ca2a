package dht

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// ScanResult maps each requested info-hash (hex form) to the set of
// peer endpoints found for it. Immutable once returned by Scan.
type ScanResult struct {
	StartedAt time.Time

	order []string
	peers map[string][]PeerEndpoint
}

func newScanResult(startedAt time.Time, hashes []string) *ScanResult {
	r := &ScanResult{
		StartedAt: startedAt,
		peers:     make(map[string][]PeerEndpoint, len(hashes)),
	}
	for _, h := range hashes {
		if _, dup := r.peers[h]; dup {
			continue
		}
		r.order = append(r.order, h)
		r.peers[h] = nil
	}
	return r
}

func (r *ScanResult) set(hash string, peers []PeerEndpoint) {
	r.peers[hash] = peers
}

// Peers returns the endpoints found for a hash, nil for unknown keys.
func (r *ScanResult) Peers(hash string) []PeerEndpoint {
	return r.peers[hash]
}

// Hashes returns the requested hashes in input order.
func (r *ScanResult) Hashes() []string {
	return append([]string(nil), r.order...)
}

// MarshalJSON emits the result document:
//
//	{"date_crawling": "<RFC 3339>", "<hash>": ["ip:port", ...], ...}
//
// The timestamp key comes first, hashes follow in input order, and
// endpoint lists are sorted, so the document is byte-for-byte
// reproducible for the same peer sets and timestamp.
func (r *ScanResult) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"date_crawling":`)
	ts, err := json.Marshal(r.StartedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	buf.Write(ts)

	for _, hash := range r.order {
		endpoints := make([]string, 0, len(r.peers[hash]))
		for _, p := range r.peers[hash] {
			endpoints = append(endpoints, p.String())
		}
		sort.Strings(endpoints)

		key, err := json.Marshal(hash)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(endpoints)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
