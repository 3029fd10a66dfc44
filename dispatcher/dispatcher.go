// Package dispatcher turns inbound datagrams into KRPC messages and runs
// them through an ordered chain of processors.
//
// Every valid message, whatever its kind, is evidence that its sender is
// alive, so the sender is inserted into (or refreshed in) the routing table
// before any processor sees it.
package dispatcher

import (
	"net"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spider/cache"
	"spider/intake"
	"spider/krpc"
	"spider/logger"
	"spider/peer"
	"spider/remoteNode"
	"spider/routingTable"
	"spider/token"
	"spider/transport"
	"spider/util"
)

var (
	totalRecv = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_krpc_received_total",
		Help: "Valid KRPC messages received, by processor.",
	}, []string{"processor"})
	totalDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_krpc_decode_failures_total",
		Help: "Datagrams dropped because they were not valid KRPC.",
	})
	totalUnhandled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_krpc_unhandled_total",
		Help: "Valid messages no processor accepted.",
	})
	totalReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_krpc_replies_sent_total",
		Help: "Replies sent to remote queries, by class.",
	}, []string{"class"})
)

// Node bundles the per-identity state processors work on.
type Node struct {
	ID util.InfoHash
	// Identity names the local node in logs and sightings.
	Identity string
	Table    *routingTable.RoutingTable
	// Pending holds the queries we sent, by transaction id.
	Pending *cache.Cache[string, *remoteNode.Query]
	Sender  transport.Sender
	Tokens  *token.Manager
	Peers   *peer.PeerStore
	Sink    intake.Sink
	Clock   clock.Clock
	Log     logger.DebugLogger
}

// Inbound is a decoded message and where it came from.
type Inbound struct {
	Msg  *krpc.Message
	From net.UDPAddr
	Node *Node
}

// Reply sends m back to the sender of the inbound message.
func (in *Inbound) Reply(m *krpc.Message) {
	b, err := m.Encode()
	if err != nil {
		in.Node.Log.Errorf("DHT: encode reply to %v: %v", in.From.String(), err)
		return
	}
	if err := in.Node.Sender.WriteTo(b, in.From); err == nil {
		totalReplies.WithLabelValues(m.Y).Inc()
	}
}

// ReplyError answers the inbound query with a KRPC error.
func (in *Inbound) ReplyError(code krpc.ErrorCode, msg string) {
	in.Reply(krpc.NewError(in.Msg.T, code, msg))
}

// Processor handles one kind of message.
type Processor interface {
	Name() string
	Handles(m *krpc.Message) bool
	Handle(in *Inbound)
}

// Dispatcher is driven by the identity's event loop, one packet at a time.
type Dispatcher struct {
	node       *Node
	processors []Processor
}

// New builds a dispatcher running processors in the given order.
func New(node *Node, processors ...Processor) *Dispatcher {
	if node.Log == nil {
		node.Log = &logger.NullLogger{}
	}
	if node.Clock == nil {
		node.Clock = clock.New()
	}
	return &Dispatcher{node: node, processors: processors}
}

// Processors returns the chain names in order.
func (d *Dispatcher) Processors() []string {
	names := make([]string, len(d.processors))
	for i, p := range d.processors {
		names[i] = p.Name()
	}
	return names
}

// Dispatch processes one datagram. The packet buffer isn't retained.
func (d *Dispatcher) Dispatch(p transport.Packet) {
	m, err := krpc.Decode(p.B)
	if err != nil {
		totalDecodeFailures.Inc()
		d.node.Log.Debugf("DHT: dropping packet from %v: %v", p.Raddr.String(), err)
		return
	}
	if id, ok := m.SenderID(); ok {
		d.node.Table.Insert(remoteNode.NewRemoteNode(p.Raddr, id, d.node.Clock.Now()))
	}
	in := &Inbound{Msg: m, From: p.Raddr, Node: d.node}
	for _, proc := range d.processors {
		if proc.Handles(m) {
			totalRecv.WithLabelValues(proc.Name()).Inc()
			proc.Handle(in)
			return
		}
	}
	totalUnhandled.Inc()
	d.node.Log.Debugf("DHT: no processor for %v from %v", m, p.Raddr.String())
}
