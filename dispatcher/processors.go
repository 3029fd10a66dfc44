package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spider/intake"
	"spider/krpc"
	"spider/remoteNode"
	"spider/util"
)

var (
	totalUnmatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_krpc_unmatched_total",
		Help: "Responses and errors dropped because no pending query matched, by reason.",
	}, []string{"reason"})
	totalBadTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_krpc_bad_tokens_total",
		Help: "announce_peer queries rejected for an invalid token.",
	})
)

// ResponseHandler receives the replies to our own queries.
type ResponseHandler interface {
	HandleResponse(q *remoteNode.Query, m *krpc.Message)
	HandleError(q *remoteNode.Query, e *krpc.Error)
}

// InfoHashObserver is told about infohashes other nodes look up.
type InfoHashObserver interface {
	ObserveInfoHash(ih util.InfoHash)
}

// DefaultChain is the processor order every identity uses.
func DefaultChain(h ResponseHandler, obs InfoHashObserver) []Processor {
	return []Processor{
		PingProcessor{},
		FindNodeProcessor{},
		GetPeersProcessor{Observer: obs},
		AnnouncePeerProcessor{},
		UnknownMethodProcessor{},
		ResponseProcessor{Handler: h},
		ErrorProcessor{Handler: h},
	}
}

func isQuery(m *krpc.Message, method string) bool {
	return m.Y == krpc.Query && m.Q == method
}

// compactNodes encodes the closest contacts to target in "nodes" form.
func compactNodes(n *Node, target util.InfoHash) string {
	var nodes string
	for _, r := range n.Table.Closest(target, util.KNodes) {
		nodes += r.Compact()
	}
	return nodes
}

type PingProcessor struct{}

func (PingProcessor) Name() string                 { return krpc.Ping }
func (PingProcessor) Handles(m *krpc.Message) bool { return isQuery(m, krpc.Ping) }

func (PingProcessor) Handle(in *Inbound) {
	in.Reply(krpc.NewReply(in.Msg.T, in.Node.ID, nil))
}

type FindNodeProcessor struct{}

func (FindNodeProcessor) Name() string                 { return krpc.FindNode }
func (FindNodeProcessor) Handles(m *krpc.Message) bool { return isQuery(m, krpc.FindNode) }

func (FindNodeProcessor) Handle(in *Inbound) {
	target := in.Msg.QueryArgs().Target
	if !target.Valid() {
		in.ReplyError(krpc.ErrProtocol, "invalid target")
		return
	}
	in.Reply(krpc.NewReply(in.Msg.T, in.Node.ID, map[string]any{
		"nodes": compactNodes(in.Node, target),
	}))
}

// GetPeersProcessor answers with stored peers when it has any, else with
// the closest contacts. Either way the querier gets a token for a later
// announce.
type GetPeersProcessor struct {
	Observer InfoHashObserver
}

func (GetPeersProcessor) Name() string                 { return krpc.GetPeers }
func (GetPeersProcessor) Handles(m *krpc.Message) bool { return isQuery(m, krpc.GetPeers) }

func (p GetPeersProcessor) Handle(in *Inbound) {
	ih := in.Msg.QueryArgs().InfoHash
	if !ih.Valid() {
		in.ReplyError(krpc.ErrProtocol, "invalid info_hash")
		return
	}
	if p.Observer != nil {
		p.Observer.ObserveInfoHash(ih)
	}
	r := map[string]any{"token": in.Node.Tokens.Issue(in.From.IP, ih)}
	if values := in.Node.Peers.PeerContacts(ih); len(values) > 0 {
		r["values"] = values
	} else {
		r["nodes"] = compactNodes(in.Node, ih)
	}
	in.Reply(krpc.NewReply(in.Msg.T, in.Node.ID, r))
}

// AnnouncePeerProcessor accepts announces carrying a token we issued to
// the same IP for the same infohash.
type AnnouncePeerProcessor struct{}

func (AnnouncePeerProcessor) Name() string                 { return krpc.AnnouncePeer }
func (AnnouncePeerProcessor) Handles(m *krpc.Message) bool { return isQuery(m, krpc.AnnouncePeer) }

func (AnnouncePeerProcessor) Handle(in *Inbound) {
	qa := in.Msg.QueryArgs()
	if !qa.InfoHash.Valid() {
		in.ReplyError(krpc.ErrProtocol, "invalid info_hash")
		return
	}
	if !in.Node.Tokens.Validate(qa.Token, in.From.IP, qa.InfoHash) {
		totalBadTokens.Inc()
		in.Node.Log.Debugf("DHT: bad announce token from %v", in.From.String())
		in.ReplyError(krpc.ErrProtocol, "bad token")
		return
	}
	port := qa.Port
	if qa.ImpliedPort {
		port = in.From.Port
	}
	if port <= 0 || port > 65535 {
		in.ReplyError(krpc.ErrProtocol, "invalid port")
		return
	}
	compact := util.CompactAddr(in.From.IP, port)
	if compact != "" {
		in.Node.Peers.AddContact(qa.InfoHash, compact)
	}
	in.Reply(krpc.NewReply(in.Msg.T, in.Node.ID, nil))
	if compact == "" {
		return
	}
	in.Node.Sink.Emit(intake.Sighting{
		InfoHash: qa.InfoHash,
		Peers:    []string{util.BinaryToDottedPort(compact)},
		Source:   intake.SourceAnnounce,
		Identity: in.Node.Identity,
		SeenAt:   in.Node.Clock.Now(),
	})
}

// UnknownMethodProcessor must come after every query processor.
type UnknownMethodProcessor struct{}

func (UnknownMethodProcessor) Name() string                 { return "unknown_method" }
func (UnknownMethodProcessor) Handles(m *krpc.Message) bool { return m.Y == krpc.Query }

func (UnknownMethodProcessor) Handle(in *Inbound) {
	in.Node.Log.Debugf("DHT: unknown query method %q from %v", in.Msg.Q, in.From.String())
	in.ReplyError(krpc.ErrMethodUnknown, "")
}

// takePending consumes the query in.Msg answers. Replies from an address
// other than the one we queried leave the query pending.
func takePending(in *Inbound) (*remoteNode.Query, bool) {
	q, ok := in.Node.Pending.Peek(in.Msg.T)
	if !ok {
		totalUnmatched.WithLabelValues("unknown").Inc()
		return nil, false
	}
	if q.Node.Address.String() != in.From.String() {
		totalUnmatched.WithLabelValues("address").Inc()
		in.Node.Log.Debugf("DHT: reply for #%x from %v, expected %v", in.Msg.T, in.From.String(), q.Node.Address.String())
		return nil, false
	}
	return in.Node.Pending.Take(in.Msg.T)
}

type ResponseProcessor struct {
	Handler ResponseHandler
}

func (ResponseProcessor) Name() string                 { return "response" }
func (ResponseProcessor) Handles(m *krpc.Message) bool { return m.Y == krpc.Response }

func (p ResponseProcessor) Handle(in *Inbound) {
	q, ok := takePending(in)
	if !ok {
		return
	}
	if id, ok := in.Msg.SenderID(); ok {
		in.Node.Table.MarkSuccess(id)
	}
	if p.Handler != nil {
		p.Handler.HandleResponse(q, in.Msg)
	}
}

type ErrorProcessor struct {
	Handler ResponseHandler
}

func (ErrorProcessor) Name() string                 { return "error" }
func (ErrorProcessor) Handles(m *krpc.Message) bool { return m.Y == krpc.Failure }

func (p ErrorProcessor) Handle(in *Inbound) {
	q, ok := takePending(in)
	if !ok {
		return
	}
	if p.Handler != nil {
		p.Handler.HandleError(q, in.Msg.E)
	}
}
