// Package crawler drives the outbound traffic of one identity.
//
// Every tick spends a bounded budget of queries on four jobs, in order:
// bootstrap from the routers while the table is empty, extend the table
// toward its least recently refreshed bucket, harvest peers for an
// infohash, and ping contacts that went quiet. Replies feed back into the
// table and recurse toward the target for a bounded number of hops.
package crawler

import (
	"net"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spider/cache"
	"spider/intake"
	"spider/krpc"
	"spider/logger"
	"spider/remoteNode"
	"spider/routingTable"
	"spider/transport"
	"spider/util"
)

var (
	totalQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_crawler_queries_sent_total",
		Help: "Queries sent by crawl controllers, by method.",
	}, []string{"method"})
	totalSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_crawler_queries_suppressed_total",
		Help: "Queries not sent, by reason.",
	}, []string{"reason"})
	totalTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_crawler_timeouts_total",
		Help: "Queries that expired without an answer, by method.",
	}, []string{"method"})
	totalRemoteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_crawler_remote_errors_total",
		Help: "KRPC errors received for our queries, by code.",
	}, []string{"code"})
	totalSightings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_crawler_sightings_total",
		Help: "get_peers replies carrying peers.",
	})
	totalObservedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_crawler_observed_dropped_total",
		Help: "Observed infohashes dropped because the harvest queue was full.",
	})
)

type Config struct {
	// QueryTTL bounds how long a query waits for its reply.
	QueryTTL time.Duration
	// FanOut caps the queries sent per tick, recursion included.
	FanOut int
	// Alpha is how many contacts are asked per lookup step.
	Alpha int
	// MaxHops bounds recursion toward a target.
	MaxHops int
	// HarvestQueue bounds the observed infohashes waiting to be crawled.
	HarvestQueue int
	// StaleAge is how long a contact may stay silent before it's pinged.
	StaleAge time.Duration
	// Routers are host:port bootstrap nodes.
	Routers []string
}

func DefaultConfig() Config {
	return Config{
		QueryTTL:     10 * time.Second,
		FanOut:       64,
		Alpha:        3,
		MaxHops:      8,
		HarvestQueue: 256,
		StaleAge:     15 * time.Minute,
		Routers:      []string{"router.bittorrent.com:6881", "dht.transmissionbt.com:6881"},
	}
}

// Crawler is not safe for concurrent use; the identity's event loop owns it.
type Crawler struct {
	cfg      Config
	id       util.InfoHash
	identity string
	table    *routingTable.RoutingTable
	pending  *cache.Cache[string, *remoteNode.Query]
	inflight *cache.Cache[string, struct{}]
	sender   transport.Sender
	sink     intake.Sink
	clock    clock.Clock
	log      logger.DebugLogger

	tids    krpc.TransactionIDs
	routers []net.UDPAddr
	harvest chan util.InfoHash
	budget  int
}

// Deps are the collaborators a crawler is built from.
type Deps struct {
	ID       util.InfoHash
	Identity string
	Table    *routingTable.RoutingTable
	// Pending correlates transaction ids with queries.
	Pending *cache.Cache[string, *remoteNode.Query]
	// InFlight suppresses duplicate lookups.
	InFlight *cache.Cache[string, struct{}]
	Sender   transport.Sender
	Sink     intake.Sink
	Clock    clock.Clock
	Log      logger.DebugLogger
}

// New resolves the routers once; the ones that don't resolve are logged and
// skipped.
func New(cfg Config, d Deps) *Crawler {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Log == nil {
		d.Log = &logger.NullLogger{}
	}
	c := &Crawler{
		cfg:      cfg,
		id:       d.ID,
		identity: d.Identity,
		table:    d.Table,
		pending:  d.Pending,
		inflight: d.InFlight,
		sender:   d.Sender,
		sink:     d.Sink,
		clock:    d.Clock,
		log:      d.Log,
		harvest:  make(chan util.InfoHash, cfg.HarvestQueue),
	}
	for _, r := range cfg.Routers {
		addr, err := net.ResolveUDPAddr("udp4", r)
		if err != nil {
			c.log.Errorf("DHT: can't resolve router %q: %v", r, err)
			continue
		}
		c.routers = append(c.routers, *addr)
	}
	return c
}

// Tick runs one crawl round.
func (c *Crawler) Tick() {
	c.budget = c.cfg.FanOut
	if c.table.Length() == 0 {
		c.bootstrap()
	}
	c.extend()
	c.harvestOne()
	c.maintain()
}

func (c *Crawler) bootstrap() {
	routers := make([]*remoteNode.RemoteNode, len(c.routers))
	for i, r := range c.routers {
		routers[i] = remoteNode.NewRemoteNode(r, "", time.Time{})
	}
	if c.startLookup(krpc.FindNode, c.id, routers) {
		c.log.Debugf("DHT: bootstrapping from %d routers", len(c.routers))
	}
}

// extend probes a random ID in the bucket that went longest without news.
func (c *Crawler) extend() {
	b := c.table.LeastRecentlyRefreshedBucket()
	target, err := b.RandomID()
	if err != nil {
		c.log.Errorf("DHT: random id: %v", err)
		return
	}
	c.table.MarkRefreshed(b.Index)
	c.lookup(krpc.FindNode, target)
}

// harvestOne looks for peers of an observed infohash, or a random one.
func (c *Crawler) harvestOne() {
	var ih util.InfoHash
	select {
	case ih = <-c.harvest:
	default:
		var err error
		if ih, err = util.RandomID(); err != nil {
			c.log.Errorf("DHT: random id: %v", err)
			return
		}
	}
	c.lookup(krpc.GetPeers, ih)
}

func (c *Crawler) maintain() {
	if c.budget <= 0 {
		return
	}
	for _, n := range c.table.Stale(c.cfg.StaleAge, c.budget) {
		c.send(krpc.Ping, "", n, 0)
	}
}

func (c *Crawler) lookup(method string, target util.InfoHash) {
	c.startLookup(method, target, c.table.Closest(target, c.cfg.Alpha))
}

func lookupKey(method string, target util.InfoHash, addr string) string {
	return method + "\x00" + string(target) + "\x00" + addr
}

// startLookup queries nodes about target. It does nothing while a lookup
// for the same method and target is still in flight. The lookup is only
// registered once a query actually went out, so a lookup with nobody to
// ask can be retried on the next tick.
func (c *Crawler) startLookup(method string, target util.InfoHash, nodes []*remoteNode.RemoteNode) bool {
	key := lookupKey(method, target, "")
	if c.inflight.Contains(key) {
		totalSuppressed.WithLabelValues("in_flight").Inc()
		return false
	}
	sent := false
	for _, n := range nodes {
		if c.send(method, target, n, 0) {
			sent = true
		}
	}
	if sent {
		c.inflight.Put(key, struct{}{}, c.cfg.QueryTTL)
	}
	return sent
}

// send queries node unless the tick budget is spent or node was already
// asked about target within the TTL.
func (c *Crawler) send(method string, target util.InfoHash, node *remoteNode.RemoteNode, hops int) bool {
	if c.budget <= 0 {
		totalSuppressed.WithLabelValues("budget").Inc()
		return false
	}
	addr := node.Address.String()
	if !c.inflight.Put(lookupKey(method, target, addr), struct{}{}, c.cfg.QueryTTL) {
		totalSuppressed.WithLabelValues("asked").Inc()
		return false
	}
	var args map[string]any
	switch method {
	case krpc.FindNode:
		args = map[string]any{"target": string(target)}
	case krpc.GetPeers:
		args = map[string]any{"info_hash": string(target)}
	}
	now := c.clock.Now()
	q := &remoteNode.Query{
		Type:      method,
		Target:    target,
		SentAt:    now,
		ExpiresAt: now.Add(c.cfg.QueryTTL),
		Node:      node,
		Hops:      hops,
	}
	// Transaction ids wrap; skip the ones still pending.
	registered := false
	for i := 0; i < 4 && !registered; i++ {
		q.TransID = c.tids.Next()
		registered = c.pending.Put(q.TransID, q, c.cfg.QueryTTL)
	}
	if !registered {
		totalSuppressed.WithLabelValues("no_transaction_id").Inc()
		return false
	}
	b, err := krpc.NewQuery(q.TransID, method, c.id, args).Encode()
	if err != nil {
		c.pending.Take(q.TransID)
		c.log.Errorf("DHT: encode %s: %v", method, err)
		return false
	}
	c.budget--
	totalQueries.WithLabelValues(method).Inc()
	// Write errors surface as timeouts.
	c.sender.WriteTo(b, node.Address)
	return true
}

// HandleResponse processes the reply to one of our queries. The sender has
// already been refreshed in the routing table.
func (c *Crawler) HandleResponse(q *remoteNode.Query, m *krpc.Message) {
	ra := m.ReplyArgs()
	switch q.Type {
	case krpc.FindNode:
		c.learn(ra.Nodes)
		c.recurse(q, ra.Nodes)
	case krpc.GetPeers:
		if len(ra.Values) > 0 {
			totalSightings.Inc()
			c.sink.Emit(intake.Sighting{
				InfoHash: q.Target,
				Peers:    ra.Values,
				Source:   intake.SourcePeer,
				Identity: c.identity,
				SeenAt:   c.clock.Now(),
			})
			c.learn(ra.Nodes)
			return
		}
		c.learn(ra.Nodes)
		c.recurse(q, ra.Nodes)
	}
}

func (c *Crawler) learn(nodes []krpc.NodeInfo) {
	for _, n := range nodes {
		if n.ID == c.id || !util.UsableAddr(n.Addr) {
			continue
		}
		c.table.InsertCandidate(remoteNode.NewRemoteNode(*n.Addr, n.ID, time.Time{}))
	}
}

// recurse asks the alpha returned contacts closest to the target.
func (c *Crawler) recurse(q *remoteNode.Query, nodes []krpc.NodeInfo) {
	if q.Hops >= c.cfg.MaxHops || len(nodes) == 0 {
		return
	}
	candidates := make([]krpc.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if n.ID.Valid() && n.ID != c.id && util.UsableAddr(n.Addr) {
			candidates = append(candidates, n)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return util.CompareDistance(q.Target, candidates[i].ID, candidates[j].ID) < 0
	})
	if len(candidates) > c.cfg.Alpha {
		candidates = candidates[:c.cfg.Alpha]
	}
	for _, n := range candidates {
		c.send(q.Type, q.Target, remoteNode.NewRemoteNode(*n.Addr, n.ID, time.Time{}), q.Hops+1)
	}
}

func (c *Crawler) HandleError(q *remoteNode.Query, e *krpc.Error) {
	totalRemoteErrors.WithLabelValues(e.Code.Label()).Inc()
	c.log.Debugf("DHT: %s to %v failed: %v", q.Type, q.Node, e)
}

// HandleTimeout is called for queries purged from the pending cache
// unanswered.
func (c *Crawler) HandleTimeout(q *remoteNode.Query) {
	totalTimeouts.WithLabelValues(q.Type).Inc()
	if q.Node.ID.Valid() {
		c.table.MarkFailure(q.Node.ID)
	}
}

// ObserveInfoHash queues ih for harvesting. It never blocks.
func (c *Crawler) ObserveInfoHash(ih util.InfoHash) {
	select {
	case c.harvest <- ih:
	default:
		totalObservedDropped.Inc()
	}
}

// Budget is what's left of the current tick's query budget.
func (c *Crawler) Budget() int {
	return c.budget
}
