package routingTable

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spider/logger"
	"spider/remoteNode"
	"spider/util"
)

// Config sizes a routing table.
type Config struct {
	// K is the bucket capacity.
	K int
	// MaxFailures is how many consecutive timeouts a contact survives.
	// It's evicted on the next one.
	MaxFailures int
	// Replacements bounds each bucket's replacement list.
	Replacements int
}

func DefaultConfig() Config {
	return Config{K: util.KNodes, MaxFailures: 2, Replacements: util.KNodes}
}

// RoutingTable tracks the contacts of one local identity. All methods are
// safe for concurrent use; contacts handed out are copies.
type RoutingTable struct {
	mu      sync.RWMutex
	NodeID  util.InfoHash
	cfg     Config
	clock   clock.Clock
	buckets []*Bucket
	// Addresses is a map of UDP Addresses in host:port format and
	// remoteNodes. A string is used because it's not possible to create
	// a map using net.UDPAddr as a key. Only bucket members are indexed,
	// replacement candidates aren't.
	Addresses map[string]*remoteNode.RemoteNode

	Log logger.DebugLogger
}

func NewRoutingTable(nodeID util.InfoHash, cfg Config, clk clock.Clock, log logger.DebugLogger) *RoutingTable {
	if cfg.K <= 0 {
		cfg.K = util.KNodes
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &RoutingTable{
		NodeID:    nodeID,
		cfg:       cfg,
		clock:     clk,
		buckets:   []*Bucket{{Depth: 0, last: true}},
		Addresses: make(map[string]*remoteNode.RemoteNode),
		Log:       log,
	}
}

func (r *RoutingTable) bucketFor(id util.InfoHash) *Bucket {
	idx := CommonBits(r.NodeID, id)
	if idx >= len(r.buckets) {
		idx = len(r.buckets) - 1
	}
	return r.buckets[idx]
}

// Insert adds or refreshes node after hearing from it directly. A known
// contact gets its address and LastSeen updated, its failures cleared and
// moves to the most recently seen position. A new contact goes into its
// bucket if there is room, splitting the bucket that covers our own ID when
// needed; otherwise it's queued as a replacement candidate. Insert reports
// whether node is now a bucket member. The table takes ownership of node.
func (r *RoutingTable) Insert(node *remoteNode.RemoteNode) bool {
	return r.insert(node, true)
}

// InsertCandidate adds a contact that another node told us about. It never
// vouches for a contact we already know: failures, LastSeen, bucket order
// and refresh stamps stay as they are, and an address held by another ID
// isn't taken over. A new contact is added unverified, with a zero LastSeen,
// so maintenance pings it first.
func (r *RoutingTable) InsertCandidate(node *remoteNode.RemoteNode) bool {
	return r.insert(node, false)
}

func (r *RoutingTable) insert(node *remoteNode.RemoteNode, heard bool) bool {
	if remoteNode.BogusId(node.ID) || node.ID == r.NodeID {
		return false
	}
	if !util.UsableAddr(&node.Address) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()

	addr := node.Address.String()
	if old, ok := r.Addresses[addr]; ok && old.ID != node.ID {
		if !heard {
			return false
		}
		r.Log.Debugf("DHT: Node changed IDs %x => %x at %v", string(old.ID), string(node.ID), addr)
		b := r.bucketFor(old.ID)
		if i := b.index(old.ID); i >= 0 {
			r.evict(b, i)
		}
	}

	for {
		b := r.bucketFor(node.ID)
		if i := b.index(node.ID); i >= 0 {
			if !heard {
				return true
			}
			existing := b.nodes[i]
			if prev := existing.Address.String(); prev != addr {
				delete(r.Addresses, prev)
				existing.SetAddress(node.Address)
				r.Addresses[addr] = existing
			}
			existing.LastSeen = now
			existing.ConsecutiveFailures = 0
			b.moveToBack(i)
			b.refreshed = now
			return true
		}
		if len(b.nodes) < r.cfg.K {
			node.ConsecutiveFailures = 0
			node.LastSeen = time.Time{}
			if heard {
				node.LastSeen = now
				b.refreshed = now
			}
			b.removeReplacement(node.ID)
			b.nodes = append(b.nodes, node)
			r.Addresses[addr] = node
			totalNodes.Inc()
			return true
		}
		if b.last && b.Depth < util.IDBits-1 {
			r.split()
			continue
		}
		if !heard && b.hasReplacement(node.ID) {
			return false
		}
		if heard {
			node.LastSeen = now
		}
		b.addReplacement(node, r.cfg.Replacements)
		return false
	}
}

// split divides the last bucket on its next bit. The old bucket keeps the
// contacts that differ from us on that bit, the new last bucket takes the
// rest.
func (r *RoutingTable) split() {
	old := r.buckets[len(r.buckets)-1]
	nb := &Bucket{Depth: old.Depth + 1, last: true, refreshed: old.refreshed}
	old.last = false

	var keep []*remoteNode.RemoteNode
	for _, n := range old.nodes {
		if CommonBits(r.NodeID, n.ID) > old.Depth {
			nb.nodes = append(nb.nodes, n)
		} else {
			keep = append(keep, n)
		}
	}
	old.nodes = keep

	var keepRepl []*remoteNode.RemoteNode
	for _, n := range old.replacements {
		if CommonBits(r.NodeID, n.ID) > old.Depth {
			nb.replacements = append(nb.replacements, n)
		} else {
			keepRepl = append(keepRepl, n)
		}
	}
	old.replacements = keepRepl
	r.buckets = append(r.buckets, nb)
	bucketSplits.Inc()

	// Either half may have room for its candidates now.
	for _, b := range []*Bucket{old, nb} {
		for len(b.nodes) < r.cfg.K {
			n := b.popReplacement()
			if n == nil {
				break
			}
			if _, taken := r.Addresses[n.Address.String()]; taken {
				continue
			}
			b.nodes = append(b.nodes, n)
			r.Addresses[n.Address.String()] = n
			totalNodes.Inc()
		}
	}
	r.Log.Debugf("DHT: split bucket at depth %d, now %d buckets", old.Depth, len(r.buckets))
}

// evict removes the i-th contact of b and promotes the most recently seen
// replacement candidate, if any.
func (r *RoutingTable) evict(b *Bucket, i int) {
	n := b.removeAt(i)
	if cur, ok := r.Addresses[n.Address.String()]; ok && cur == n {
		delete(r.Addresses, n.Address.String())
	}
	totalKilledNodes.Inc()
	for {
		repl := b.popReplacement()
		if repl == nil {
			return
		}
		addr := repl.Address.String()
		if _, taken := r.Addresses[addr]; taken {
			continue
		}
		b.nodes = append(b.nodes, repl)
		r.Addresses[addr] = repl
		totalNodes.Inc()
		return
	}
}

// MarkFailure records a query to id that went unanswered. The contact is
// evicted once its consecutive failures exceed the configured threshold.
// It returns true if the contact was evicted.
func (r *RoutingTable) MarkFailure(id util.InfoHash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucketFor(id)
	i := b.index(id)
	if i < 0 {
		// A silent candidate isn't worth waiting for.
		b.removeReplacement(id)
		return false
	}
	n := b.nodes[i]
	n.ConsecutiveFailures++
	if n.ConsecutiveFailures > r.cfg.MaxFailures {
		r.Log.Debugf("DHT: Node %v failed %d times. Deleting", n, n.ConsecutiveFailures)
		r.evict(b, i)
		return true
	}
	return false
}

// MarkSuccess records a reply from id. It returns false if id isn't a
// bucket member.
func (r *RoutingTable) MarkSuccess(id util.InfoHash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucketFor(id)
	i := b.index(id)
	if i < 0 {
		return false
	}
	now := r.clock.Now()
	n := b.nodes[i]
	n.ConsecutiveFailures = 0
	n.LastSeen = now
	b.moveToBack(i)
	b.refreshed = now
	return true
}

// Closest returns up to n contacts ordered by XOR distance to target,
// nearest first. Ties are broken by ID.
func (r *RoutingTable) Closest(target util.InfoHash, n int) []*remoteNode.RemoteNode {
	if !target.Valid() || n <= 0 {
		return nil
	}
	r.mu.RLock()
	all := make([]*remoteNode.RemoteNode, 0, len(r.Addresses))
	for _, b := range r.buckets {
		all = append(all, b.nodes...)
	}
	sort.Slice(all, func(i, j int) bool {
		if c := util.CompareDistance(target, all[i].ID, all[j].ID); c != 0 {
			return c < 0
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]*remoteNode.RemoteNode, len(all))
	for i, c := range all {
		out[i] = c.Copy()
	}
	r.mu.RUnlock()
	return out
}

// LeastRecentlyRefreshedBucket returns the bucket that went longest without
// a successful interaction or an explicit refresh. Never touched buckets
// come first, lower index first.
func (r *RoutingTable) LeastRecentlyRefreshedBucket() BucketInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := 0
	for i, b := range r.buckets {
		if b.refreshed.Before(r.buckets[best].refreshed) {
			best = i
		}
	}
	return r.info(best)
}

// MarkRefreshed stamps the bucket at index as refreshed now. The crawl
// controller calls it after probing the bucket's range, so empty regions
// don't get picked on every round.
func (r *RoutingTable) MarkRefreshed(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index >= 0 && index < len(r.buckets) {
		r.buckets[index].refreshed = r.clock.Now()
	}
}

// Buckets returns snapshots of all buckets, ordered by index.
func (r *RoutingTable) Buckets() []BucketInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BucketInfo, len(r.buckets))
	for i := range r.buckets {
		out[i] = r.info(i)
	}
	return out
}

func (r *RoutingTable) info(i int) BucketInfo {
	b := r.buckets[i]
	return BucketInfo{
		Index:        i,
		Depth:        b.Depth,
		CoversOwner:  b.last,
		Len:          len(b.nodes),
		Replacements: len(b.replacements),
		Refreshed:    b.refreshed,
		owner:        r.NodeID,
	}
}

// Stale returns up to limit contacts not heard from in maxAge, least
// recently seen first. They are the ones worth pinging.
func (r *RoutingTable) Stale(maxAge time.Duration, limit int) []*remoteNode.RemoteNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.clock.Now().Add(-maxAge)
	var out []*remoteNode.RemoteNode
	for _, b := range r.buckets {
		for _, n := range b.nodes {
			if n.LastSeen.Before(cutoff) {
				out = append(out, n.Copy())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Lookup returns a copy of the contact with this id.
func (r *RoutingTable) Lookup(id util.InfoHash) (*remoteNode.RemoteNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.bucketFor(id)
	if i := b.index(id); i >= 0 {
		return b.nodes[i].Copy(), true
	}
	return nil, false
}

// Length is the number of bucket members.
func (r *RoutingTable) Length() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Addresses)
}

var (
	// totalKilledNodes is a monotonically increasing counter of times nodes were killed from
	// the routing table. If a node is later added to the routing table and killed again, it is
	// counted twice.
	totalKilledNodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_routing_nodes_killed_total",
		Help: "Contacts evicted from routing tables.",
	})
	// totalNodes is a monotonically increasing counter of times nodes were added to the routing
	// table. If a node is removed then later added again, it is counted twice.
	totalNodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_routing_nodes_added_total",
		Help: "Contacts added to routing tables.",
	})
	bucketSplits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_routing_bucket_splits_total",
		Help: "Bucket splits across all routing tables.",
	})
)
