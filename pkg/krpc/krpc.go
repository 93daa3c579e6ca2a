// Package krpc implements the compact bencoded RPC format spoken over
// UDP by the BitTorrent Mainline DHT (BEP 5): the message envelope,
// the query/response/error variants, and the compact node and peer
// encodings carried inside them.
package krpc

import (
	"fmt"

	"github.com/zeebo/bencode"
)

// Message type tags ("y" field).
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query methods ("q" field). AnnouncePeer is recognized on the inbound
// path only; this node never announces.
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// KRPC error codes.
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// Message is the on-wire KRPC envelope. Exactly one of A, R, E is
// populated depending on the type tag.
type Message struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q,omitempty"`
	A map[string]interface{} `bencode:"a,omitempty"`
	R map[string]interface{} `bencode:"r,omitempty"`
	E []interface{}          `bencode:"e,omitempty"`
}

// DecodeError reports a datagram that could not be parsed into a valid
// KRPC message. The transport logs and discards these.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "krpc: " + e.Reason
}

// NewQuery builds a query message. The caller owns args; the node id
// argument is added by the transport.
func NewQuery(tx, method string, args map[string]interface{}) *Message {
	return &Message{T: tx, Y: TypeQuery, Q: method, A: args}
}

// NewResponse builds a response to the query carrying tx.
func NewResponse(tx string, resp map[string]interface{}) *Message {
	return &Message{T: tx, Y: TypeResponse, R: resp}
}

// NewError builds an error reply with a standard [code, message] pair.
func NewError(tx string, code int, text string) *Message {
	return &Message{T: tx, Y: TypeError, E: []interface{}{code, text}}
}

// Encode serializes a message to its bencoded wire form.
func Encode(m *Message) ([]byte, error) {
	data, err := bencode.EncodeBytes(m)
	if err != nil {
		return nil, fmt.Errorf("krpc encode: %w", err)
	}
	return data, nil
}

// Decode parses and validates an inbound datagram. Malformed
// structure, an unknown type tag, or missing required fields yield a
// *DecodeError.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := bencode.DecodeBytes(data, &m); err != nil {
		return nil, &DecodeError{Reason: "malformed bencode: " + err.Error()}
	}
	if m.T == "" {
		return nil, &DecodeError{Reason: "missing transaction id"}
	}
	switch m.Y {
	case TypeQuery:
		if m.Q == "" {
			return nil, &DecodeError{Reason: "query without method name"}
		}
		if m.A == nil {
			return nil, &DecodeError{Reason: "query without arguments"}
		}
	case TypeResponse:
		if m.R == nil {
			return nil, &DecodeError{Reason: "response without return values"}
		}
	case TypeError:
		if len(m.E) < 2 {
			return nil, &DecodeError{Reason: "error without [code, message]"}
		}
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message type %q", m.Y)}
	}
	return &m, nil
}

// ErrorCode extracts the [code, message] pair from an error message.
// Missing or mistyped elements degrade to zero values.
func (m *Message) ErrorCode() (int, string) {
	code := 0
	text := ""
	if len(m.E) > 0 {
		switch n := m.E[0].(type) {
		case int64:
			code = int(n)
		case int:
			code = n
		}
	}
	if len(m.E) > 1 {
		if s, ok := StringValue(m.E[1]); ok {
			text = s
		}
	}
	return code, text
}

// StringValue reads a bencode byte string out of a decoded
// interface{} field. The decoder yields string for interface targets
// but hand-built messages may carry []byte, so both are accepted.
func StringValue(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
