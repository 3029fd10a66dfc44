// Package krpc models the query/response/error messages exchanged by
// Mainline DHT nodes over UDP.
//
// Reference:
//
//	http://www.bittorrent.org/beps/bep_0005.html
package krpc

import (
	"errors"
	"fmt"

	"spider/bencode"
	"spider/util"
)

// Message classes, the value of the "y" key.
const (
	Query    = "q"
	Response = "r"
	Failure  = "e"
)

// Query methods.
const (
	Ping         = "ping"
	FindNode     = "find_node"
	GetPeers     = "get_peers"
	AnnouncePeer = "announce_peer"
)

// ClientVersion is sent in the "v" key of our queries.
const ClientVersion = "SP01"

// ErrInvalidMessage is wrapped by Decode when a datagram is valid bencode
// but not a KRPC message.
var ErrInvalidMessage = errors.New("krpc: invalid message")

// Message is a decoded KRPC datagram. Exactly one of A (queries), R
// (responses) and E (errors) is set, matching Y.
type Message struct {
	T string
	Y string
	Q string
	A *bencode.Dict
	R *bencode.Dict
	E *Error
	V string
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// Decode parses a datagram. Bencode errors are returned as is (they match
// bencode.ErrMalformed); structural problems wrap ErrInvalidMessage.
func Decode(b []byte) (*Message, error) {
	v, _, err := bencode.Decode(b)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return nil, invalid("top level is %T, not a dictionary", v)
	}
	m := &Message{}
	if m.T, ok = d.String("t"); !ok {
		return nil, invalid("missing transaction id")
	}
	if m.Y, ok = d.String("y"); !ok {
		return nil, invalid("missing message class")
	}
	m.V, _ = d.String("v")
	switch m.Y {
	case Query:
		if m.Q, ok = d.String("q"); !ok {
			return nil, invalid("query without method")
		}
		if m.A, ok = d.Dict("a"); !ok {
			return nil, invalid("query %q without arguments", m.Q)
		}
	case Response:
		if m.R, ok = d.Dict("r"); !ok {
			return nil, invalid("response without result")
		}
	case Failure:
		l, ok := d.List("e")
		if !ok || len(l) < 2 {
			return nil, invalid("error without code and message")
		}
		code, ok := l[0].(int64)
		if !ok {
			return nil, invalid("error code is %T", l[0])
		}
		msg, _ := l[1].(string)
		m.E = &Error{Code: ErrorCode(code), Message: msg}
	default:
		return nil, invalid("unknown message class %q", m.Y)
	}
	return m, nil
}

// Encode bencodes the message.
func (m *Message) Encode() ([]byte, error) {
	d := bencode.NewDict().Set("t", m.T).Set("y", m.Y)
	if m.V != "" {
		d.Set("v", m.V)
	}
	switch m.Y {
	case Query:
		d.Set("q", m.Q)
		a := m.A
		if a == nil {
			a = bencode.NewDict()
		}
		d.Set("a", a)
	case Response:
		r := m.R
		if r == nil {
			r = bencode.NewDict()
		}
		d.Set("r", r)
	case Failure:
		if m.E == nil {
			return nil, invalid("error message without payload")
		}
		d.Set("e", []any{int64(m.E.Code), m.E.Message})
	default:
		return nil, invalid("unknown message class %q", m.Y)
	}
	return bencode.Encode(d)
}

// SenderID returns the "id" argument of queries and responses.
func (m *Message) SenderID() (util.InfoHash, bool) {
	var id string
	var ok bool
	switch m.Y {
	case Query:
		id, ok = m.A.String("id")
	case Response:
		id, ok = m.R.String("id")
	}
	if !ok || !util.InfoHash(id).Valid() {
		return "", false
	}
	return util.InfoHash(id), true
}

func (m *Message) String() string {
	switch m.Y {
	case Query:
		return fmt.Sprintf("{#%x q %s}", m.T, m.Q)
	case Response:
		return fmt.Sprintf("{#%x r}", m.T)
	case Failure:
		return fmt.Sprintf("{#%x e %d %q}", m.T, int(m.E.Code), m.E.Message)
	}
	return fmt.Sprintf("{#%x %s}", m.T, m.Y)
}

// NewQuery builds a query from our node id and extra arguments.
func NewQuery(transID, method string, ownID util.InfoHash, args map[string]any) *Message {
	a := bencode.NewDict().Set("id", string(ownID))
	for k, v := range args {
		a.Set(k, v)
	}
	return &Message{T: transID, Y: Query, Q: method, A: a, V: ClientVersion}
}

// NewReply builds a response echoing transID.
func NewReply(transID string, ownID util.InfoHash, result map[string]any) *Message {
	r := bencode.NewDict().Set("id", string(ownID))
	for k, v := range result {
		r.Set(k, v)
	}
	return &Message{T: transID, Y: Response, R: r}
}

// NewError builds an error reply. An empty msg uses the code's default.
func NewError(transID string, code ErrorCode, msg string) *Message {
	if msg == "" {
		msg = code.DefaultMessage()
	}
	return &Message{T: transID, Y: Failure, E: &Error{Code: code, Message: msg}}
}
