// Package spider crawls the BitTorrent Mainline DHT.
//
// A process runs one or more identities. Each identity is a node of its own
// on the DHT: one UDP socket, one routing table, one crawl controller, and a
// single event loop that owns them. Identities share nothing but the
// metadata intake, which sees every infohash sighting they make.
package spider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"vitess.io/vitess/go/timer"

	"spider/cache"
	"spider/config"
	"spider/crawler"
	"spider/dispatcher"
	"spider/intake"
	"spider/logger"
	"spider/peer"
	"spider/remoteNode"
	"spider/routingTable"
	"spider/token"
	"spider/transport"
	"spider/util"
)

var (
	totalRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_packets_rate_limited_total",
		Help: "Inbound packets dropped by the per-identity rate limit.",
	})
)

// DHT is one identity.
type DHT struct {
	// Identity names this node in logs and sightings: its UDP port.
	Identity    string
	NodeID      util.InfoHash
	DebugLogger logger.DebugLogger

	cfg   *config.Config
	clock clock.Clock
	sink  intake.Sink

	table      *routingTable.RoutingTable
	pending    *cache.Cache[string, *remoteNode.Query]
	inflight   *cache.Cache[string, struct{}]
	tokens     *token.Manager
	peers      *peer.PeerStore
	conn       *transport.Transport
	dispatcher *dispatcher.Dispatcher
	crawler    *crawler.Crawler

	packets chan transport.Packet
	ticks   chan struct{}
}

// New builds the identity and binds its socket. A bind failure only affects
// this identity.
func New(cfg *config.Config, ident config.Identity, sink intake.Sink, log logger.DebugLogger) (*DHT, error) {
	d, err := newIdentity(cfg, ident, sink, log, clock.New())
	if err != nil {
		return nil, err
	}
	conn, err := transport.Listen(cfg.ListenAddr, ident.Port, cfg.Proto, d.DebugLogger)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	d.Identity = strconv.Itoa(conn.LocalAddr().Port)
	d.wire(conn)
	return d, nil
}

// newIdentity builds the state of an identity, leaving out the socket and
// what depends on it.
func newIdentity(cfg *config.Config, ident config.Identity, sink intake.Sink, log logger.DebugLogger, clk clock.Clock) (*DHT, error) {
	if log == nil {
		log = &logger.NullLogger{}
	}
	var id util.InfoHash
	var err error
	if ident.NodeID != "" {
		id, err = util.DecodeInfoHash(ident.NodeID)
	} else {
		id, err = util.RandomID()
	}
	if err != nil {
		return nil, fmt.Errorf("node id for port %d: %w", ident.Port, err)
	}
	d := &DHT{
		Identity:    strconv.Itoa(ident.Port),
		NodeID:      id,
		DebugLogger: log,
		cfg:         cfg,
		clock:       clk,
		sink:        sink,
		packets:     make(chan transport.Packet, 256),
		ticks:       make(chan struct{}, 1),
	}
	d.table = routingTable.NewRoutingTable(id, routingTable.Config{
		K:            cfg.K,
		MaxFailures:  cfg.MaxFailures,
		Replacements: cfg.K,
	}, clk, log)
	if d.pending, err = cache.New[string, *remoteNode.Query](cfg.CacheCapacity, clk); err != nil {
		return nil, err
	}
	if d.inflight, err = cache.New[string, struct{}](cfg.CacheCapacity, clk); err != nil {
		return nil, err
	}
	if d.tokens, err = token.NewManager(); err != nil {
		return nil, err
	}
	d.peers = peer.NewPeerStore(cfg.MaxInfoHashes, cfg.MaxInfoHashPeers)
	return d, nil
}

// wire builds the dispatcher and the crawl controller on top of sender.
func (d *DHT) wire(sender transport.Sender) {
	d.crawler = crawler.New(crawler.Config{
		QueryTTL:     d.cfg.QueryTTL,
		FanOut:       d.cfg.FanOut,
		Alpha:        d.cfg.Alpha,
		MaxHops:      d.cfg.MaxHops,
		HarvestQueue: d.cfg.HarvestQueue,
		StaleAge:     d.cfg.StaleAge,
		Routers:      d.cfg.Routers,
	}, crawler.Deps{
		ID:       d.NodeID,
		Identity: d.Identity,
		Table:    d.table,
		Pending:  d.pending,
		InFlight: d.inflight,
		Sender:   sender,
		Sink:     d.sink,
		Clock:    d.clock,
		Log:      d.DebugLogger,
	})
	d.dispatcher = dispatcher.New(&dispatcher.Node{
		ID:       d.NodeID,
		Identity: d.Identity,
		Table:    d.table,
		Pending:  d.pending,
		Sender:   sender,
		Tokens:   d.tokens,
		Peers:    d.peers,
		Sink:     d.sink,
		Clock:    d.clock,
		Log:      d.DebugLogger,
	}, dispatcher.DefaultChain(d.crawler, d.crawler)...)
}

// Run is the identity's event loop. It returns when ctx is done, closing the
// socket.
func (d *DHT) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer d.conn.Close()
	go d.conn.ReadLoop(ctx, d.packets)

	crawl := timer.NewTimer(d.cfg.CrawlInterval)
	crawl.Start(func() {
		select {
		case d.ticks <- struct{}{}:
		default:
		}
	})
	defer crawl.Stop()
	d.inflight.StartSweeper(d.cfg.SweepInterval, nil)
	defer d.inflight.Stop()

	sweep := d.clock.Ticker(d.cfg.SweepInterval)
	defer sweep.Stop()
	rotate := d.clock.Ticker(d.cfg.TokenRotation)
	defer rotate.Stop()
	refill := d.clock.Ticker(time.Second / 10)
	defer refill.Stop()
	allowance := d.cfg.RateLimit

	d.DebugLogger.Infof("DHT: identity %s running as %v", d.Identity, d.NodeID)
	d.crawler.Tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-d.packets:
			if d.cfg.RateLimit > 0 {
				if allowance <= 0 {
					totalRateLimited.Inc()
					d.conn.Release(p)
					continue
				}
				allowance--
			}
			d.handlePacket(p)
			d.conn.Release(p)
		case <-d.ticks:
			d.crawler.Tick()
		case <-sweep.C:
			d.sweep()
		case <-rotate.C:
			if err := d.tokens.Rotate(); err != nil {
				d.DebugLogger.Errorf("DHT: token rotation: %v", err)
			}
		case <-refill.C:
			allowance += d.cfg.RateLimit/10 + 1
			if allowance > d.cfg.RateLimit {
				allowance = d.cfg.RateLimit
			}
		}
	}
}

func (d *DHT) handlePacket(p transport.Packet) {
	d.dispatcher.Dispatch(p)
}

// sweep times out unanswered queries, expired or displaced from a full
// cache. Their replies, if they ever come, find nothing to match.
func (d *DHT) sweep() {
	for _, e := range d.pending.Sweep() {
		d.crawler.HandleTimeout(e.Value)
	}
}

// Nodes is the number of contacts in the routing table.
func (d *DHT) Nodes() int {
	return d.table.Length()
}

// Buckets describes the routing table.
func (d *DHT) Buckets() []routingTable.BucketInfo {
	return d.table.Buckets()
}
