package dispatcher

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spider/cache"
	"spider/intake"
	"spider/krpc"
	"spider/peer"
	"spider/remoteNode"
	"spider/routingTable"
	"spider/token"
	"spider/transport"
	"spider/util"
)

type sent struct {
	b    []byte
	addr net.UDPAddr
}

type fakeSender struct {
	out []sent
}

func (f *fakeSender) WriteTo(b []byte, addr net.UDPAddr) error {
	f.out = append(f.out, sent{append([]byte(nil), b...), addr})
	return nil
}

func (f *fakeSender) last(t *testing.T) *krpc.Message {
	t.Helper()
	require.NotEmpty(t, f.out)
	m, err := krpc.Decode(f.out[len(f.out)-1].b)
	require.NoError(t, err)
	return m
}

type recorder struct {
	responses []*remoteNode.Query
	errors    []*krpc.Error
	observed  []util.InfoHash
}

func (r *recorder) HandleResponse(q *remoteNode.Query, m *krpc.Message) {
	r.responses = append(r.responses, q)
}
func (r *recorder) HandleError(q *remoteNode.Query, e *krpc.Error) { r.errors = append(r.errors, e) }
func (r *recorder) ObserveInfoHash(ih util.InfoHash)              { r.observed = append(r.observed, ih) }

var (
	ownID    = util.InfoHash(strings.Repeat("\x00", 20))
	remoteID = util.InfoHash(strings.Repeat("r", 20))
	ih       = util.InfoHash(strings.Repeat("i", 20))
	raddr    = net.UDPAddr{IP: net.IPv4(192, 0, 2, 7).To4(), Port: 4000}
)

type fixture struct {
	d     *Dispatcher
	node  *Node
	send  *fakeSender
	rec   *recorder
	sink  intake.Chan
	clock *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	pending, err := cache.New[string, *remoteNode.Query](64, clk)
	require.NoError(t, err)
	tokens, err := token.NewManager()
	require.NoError(t, err)
	f := &fixture{send: &fakeSender{}, rec: &recorder{}, sink: make(intake.Chan, 8), clock: clk}
	f.node = &Node{
		ID:       ownID,
		Identity: "test",
		Table:    routingTable.NewRoutingTable(ownID, routingTable.DefaultConfig(), clk, nil),
		Pending:  pending,
		Sender:   f.send,
		Tokens:   tokens,
		Peers:    peer.NewPeerStore(16, 16),
		Sink:     f.sink,
		Clock:    clk,
	}
	f.d = New(f.node, DefaultChain(f.rec, f.rec)...)
	return f
}

func (f *fixture) dispatch(t *testing.T, m *krpc.Message, from net.UDPAddr) {
	t.Helper()
	b, err := m.Encode()
	require.NoError(t, err)
	f.d.Dispatch(transport.Packet{B: b, Raddr: from})
}

func TestChainOrder(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"ping", "find_node", "get_peers", "announce_peer", "unknown_method", "response", "error"}, f.d.Processors())
}

func TestMalformedIsDropped(t *testing.T) {
	f := newFixture(t)
	for _, b := range []string{"", "garbage", "d1:t2:aae", "i42e", "d1:t2:aa1:y1:qe"} {
		f.d.Dispatch(transport.Packet{B: []byte(b), Raddr: raddr})
	}
	assert.Empty(t, f.send.out)
	assert.Zero(t, f.node.Table.Length())
}

func TestPingRepliesAndLearnsSender(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, krpc.NewQuery("aa", krpc.Ping, remoteID, nil), raddr)

	m := f.send.last(t)
	assert.Equal(t, krpc.Response, m.Y)
	assert.Equal(t, "aa", m.T)
	id, ok := m.SenderID()
	require.True(t, ok)
	assert.Equal(t, ownID, id)
	assert.Equal(t, raddr.String(), f.send.out[0].addr.String())

	n, ok := f.node.Table.Lookup(remoteID)
	require.True(t, ok)
	assert.Equal(t, raddr.String(), n.Address.String())
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, krpc.NewQuery("zz", "vote", remoteID, nil), raddr)
	m := f.send.last(t)
	require.Equal(t, krpc.Failure, m.Y)
	assert.Equal(t, krpc.ErrMethodUnknown, m.E.Code)
	assert.Equal(t, "Method Unknown", m.E.Message)
	assert.Equal(t, "zz", m.T)
}

func TestFindNode(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 12; i++ {
		id := make([]byte, 20)
		id[0] = byte(i)
		f.node.Table.Insert(remoteNode.NewRemoteNode(net.UDPAddr{IP: net.IPv4(10, 0, 0, byte(i)), Port: 6881}, util.InfoHash(id), time.Time{}))
	}
	f.dispatch(t, krpc.NewQuery("fn", krpc.FindNode, remoteID, map[string]any{"target": string(remoteID)}), raddr)
	m := f.send.last(t)
	require.Equal(t, krpc.Response, m.Y)
	nodes := m.ReplyArgs().Nodes
	assert.Len(t, nodes, util.KNodes)
	for i := 1; i < len(nodes); i++ {
		assert.LessOrEqual(t, util.CompareDistance(remoteID, nodes[i-1].ID, nodes[i].ID), 0)
	}

	f.dispatch(t, krpc.NewQuery("fx", krpc.FindNode, remoteID, map[string]any{"target": "short"}), raddr)
	m = f.send.last(t)
	require.Equal(t, krpc.Failure, m.Y)
	assert.Equal(t, krpc.ErrProtocol, m.E.Code)
}

func TestGetPeersThenAnnounce(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, krpc.NewQuery("g1", krpc.GetPeers, remoteID, map[string]any{"info_hash": string(ih)}), raddr)
	m := f.send.last(t)
	require.Equal(t, krpc.Response, m.Y)
	ra := m.ReplyArgs()
	assert.Empty(t, ra.Values)
	require.NotEmpty(t, ra.Token)
	assert.Equal(t, []util.InfoHash{ih}, f.rec.observed)

	// A wrong token is refused.
	f.dispatch(t, krpc.NewQuery("a1", krpc.AnnouncePeer, remoteID, map[string]any{
		"info_hash": string(ih), "port": 51413, "token": "nope",
	}), raddr)
	m = f.send.last(t)
	require.Equal(t, krpc.Failure, m.Y)
	assert.Equal(t, krpc.ErrProtocol, m.E.Code)
	assert.Equal(t, "bad token", m.E.Message)
	assert.Empty(t, f.sink)

	// The same token from another IP is refused too.
	other := net.UDPAddr{IP: net.IPv4(192, 0, 2, 8).To4(), Port: 4000}
	f.dispatch(t, krpc.NewQuery("a2", krpc.AnnouncePeer, remoteID, map[string]any{
		"info_hash": string(ih), "port": 51413, "token": ra.Token,
	}), other)
	assert.Equal(t, krpc.Failure, f.send.last(t).Y)

	f.dispatch(t, krpc.NewQuery("a3", krpc.AnnouncePeer, remoteID, map[string]any{
		"info_hash": string(ih), "port": 51413, "token": ra.Token, "implied_port": 1,
	}), raddr)
	m = f.send.last(t)
	require.Equal(t, krpc.Response, m.Y)
	require.Len(t, f.sink, 1)
	s := <-f.sink
	assert.Equal(t, ih, s.InfoHash)
	assert.Equal(t, intake.SourceAnnounce, s.Source)
	assert.Equal(t, []string{"192.0.2.7:4000"}, s.Peers, "implied_port uses the source port")
	assert.Equal(t, 1, f.node.Peers.Count(ih))

	// get_peers now returns the stored peer.
	f.dispatch(t, krpc.NewQuery("g2", krpc.GetPeers, remoteID, map[string]any{"info_hash": string(ih)}), raddr)
	assert.Equal(t, []string{"192.0.2.7:4000"}, f.send.last(t).ReplyArgs().Values)
}

func pendingQuery(f *fixture, tid string, addr net.UDPAddr) *remoteNode.Query {
	q := &remoteNode.Query{
		TransID: tid,
		Type:    krpc.FindNode,
		Target:  remoteID,
		SentAt:  f.clock.Now(),
		Node:    remoteNode.NewRemoteNode(addr, "", time.Time{}),
	}
	f.node.Pending.Put(tid, q, 10*time.Second)
	return q
}

func TestResponseMatching(t *testing.T) {
	f := newFixture(t)
	q := pendingQuery(f, "\x00\x01", raddr)
	reply := krpc.NewReply("\x00\x01", remoteID, map[string]any{"nodes": ""})

	// Unknown transaction.
	f.dispatch(t, krpc.NewReply("\x00\x02", remoteID, nil), raddr)
	// Right transaction, wrong address.
	f.dispatch(t, reply, net.UDPAddr{IP: net.IPv4(203, 0, 113, 1).To4(), Port: 4000})
	assert.Empty(t, f.rec.responses)
	assert.True(t, f.node.Pending.Contains("\x00\x01"))

	f.dispatch(t, reply, raddr)
	require.Len(t, f.rec.responses, 1)
	assert.Same(t, q, f.rec.responses[0])
	assert.False(t, f.node.Pending.Contains("\x00\x01"))

	// A duplicate reply finds nothing.
	f.dispatch(t, reply, raddr)
	assert.Len(t, f.rec.responses, 1)
	assert.Empty(t, f.send.out, "responses are never answered")
}

func TestLateResponseIsIgnored(t *testing.T) {
	f := newFixture(t)
	pendingQuery(f, "\x00\x01", raddr)
	f.clock.Add(10 * time.Second)
	require.Len(t, f.node.Pending.Sweep(), 1)
	f.dispatch(t, krpc.NewReply("\x00\x01", remoteID, nil), raddr)
	assert.Empty(t, f.rec.responses)
}

func TestErrorReply(t *testing.T) {
	f := newFixture(t)
	pendingQuery(f, "ee", raddr)
	f.dispatch(t, krpc.NewError("ee", krpc.ErrServer, ""), raddr)
	require.Len(t, f.rec.errors, 1)
	assert.Equal(t, krpc.ErrServer, f.rec.errors[0].Code)
	assert.Empty(t, f.send.out)
}
