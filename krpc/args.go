package krpc

import (
	"encoding/binary"
	"net"
	"strings"
	"sync/atomic"

	"spider/util"
)

const (
	// V4NodeContactLen is the size of a compact IPv4 node: id + ip + port.
	V4NodeContactLen = util.IDLen + util.CompactPeerLen
	// MaxUDPPacketSize bounds the datagrams we read. Once in a while I get
	// a few bigger ones, but meh.
	MaxUDPPacketSize = 4096
)

// QueryArgs are the arguments of any of the supported queries. Fields not
// used by the method are left empty.
type QueryArgs struct {
	ID          util.InfoHash
	Target      util.InfoHash
	InfoHash    util.InfoHash
	Token       string
	Port        int
	ImpliedPort bool
}

// QueryArgs extracts the known arguments of a query message.
func (m *Message) QueryArgs() QueryArgs {
	var qa QueryArgs
	if m.A == nil {
		return qa
	}
	id, _ := m.A.String("id")
	qa.ID = util.InfoHash(id)
	target, _ := m.A.String("target")
	qa.Target = util.InfoHash(target)
	ih, _ := m.A.String("info_hash")
	qa.InfoHash = util.InfoHash(ih)
	qa.Token, _ = m.A.String("token")
	if p, ok := m.A.Int("port"); ok {
		qa.Port = int(p)
	}
	if ip, ok := m.A.Int("implied_port"); ok && ip != 0 {
		qa.ImpliedPort = true
	}
	return qa
}

// NodeInfo is a node contact as advertised in compact "nodes" strings.
type NodeInfo struct {
	ID   util.InfoHash
	Addr *net.UDPAddr
}

// ReplyArgs are the results of find_node and get_peers responses.
type ReplyArgs struct {
	ID    util.InfoHash
	Nodes []NodeInfo
	// Values are compact peer addresses in "ip:port" form.
	Values []string
	Token  string
}

// ReplyArgs extracts the known results of a response. Malformed node and
// peer entries are skipped.
func (m *Message) ReplyArgs() ReplyArgs {
	var ra ReplyArgs
	if m.R == nil {
		return ra
	}
	id, _ := m.R.String("id")
	ra.ID = util.InfoHash(id)
	ra.Token, _ = m.R.String("token")
	if nodes, ok := m.R.String("nodes"); ok {
		ra.Nodes = ParseNodes(nodes)
	}
	// Some clients send a single string instead of a list.
	if v, ok := m.R.Get("values"); ok {
		switch x := v.(type) {
		case []any:
			for _, p := range x {
				if s, ok := p.(string); ok {
					ra.Values = append(ra.Values, ParsePeers(s)...)
				}
			}
		case string:
			ra.Values = ParsePeers(x)
		}
	}
	return ra
}

// ParseNodes decodes a "nodes" string, a concatenation of 26-byte contacts.
// Trailing garbage shorter than a contact is ignored.
func ParseNodes(nodes string) []NodeInfo {
	out := make([]NodeInfo, 0, len(nodes)/V4NodeContactLen)
	for i := 0; i+V4NodeContactLen <= len(nodes); i += V4NodeContactLen {
		c := nodes[i : i+V4NodeContactLen]
		addr := c[util.IDLen:]
		out = append(out, NodeInfo{
			ID: util.InfoHash(c[:util.IDLen]),
			Addr: &net.UDPAddr{
				IP:   net.IPv4(addr[0], addr[1], addr[2], addr[3]),
				Port: int(binary.BigEndian.Uint16([]byte(addr[4:6]))),
			},
		})
	}
	return out
}

// EncodeNodes writes contacts in compact form. Contacts without a valid id
// or an IPv4 address are skipped.
func EncodeNodes(nodes []NodeInfo) string {
	var b strings.Builder
	for _, n := range nodes {
		if !n.ID.Valid() || n.Addr == nil {
			continue
		}
		addr := util.CompactAddr(n.Addr.IP, n.Addr.Port)
		if addr == "" {
			continue
		}
		b.WriteString(string(n.ID))
		b.WriteString(addr)
	}
	return b.String()
}

// ParsePeers decodes one or more concatenated compact peer addresses.
func ParsePeers(s string) []string {
	var out []string
	for i := 0; i+util.CompactPeerLen <= len(s); i += util.CompactPeerLen {
		if p := util.BinaryToDottedPort(s[i : i+util.CompactPeerLen]); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TransactionIDs hands out 2-byte transaction ids. They wrap around, which
// is fine as long as far fewer than 65536 queries are outstanding per
// identity.
type TransactionIDs struct {
	n uint32
}

// Next returns a new transaction id.
func (t *TransactionIDs) Next() string {
	n := atomic.AddUint32(&t.n, 1)
	return string([]byte{byte(n >> 8), byte(n)})
}
