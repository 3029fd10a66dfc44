package routingTable

import (
	"time"

	"spider/remoteNode"
	"spider/util"
)

// DHT routing using Kademlia buckets.
//
// Nodes have IDs of 20-bytes. When looking up an util.InfoHash for itself or for a
// remote host, the nodes have to look in its routing table for the closest
// nodes and return them.
//
// The distance between a node and an util.InfoHash is the XOR of the respective
// strings. This means that 'sorting' nodes only makes sense with an util.InfoHash
// as the pivot. You can't pre-sort nodes in any meaningful way.
//
// The table starts with a single bucket covering the whole space. Buckets
// are ordered by how many leading bits their contacts share with our own
// ID: bucket i holds contacts sharing exactly i bits, and the last bucket
// holds everything sharing at least its Depth bits, our own ID included.
// Only that last bucket splits when it fills up, so the table gets very
// detailed around our ID and stays coarse far away from it. Contacts that
// don't fit in a full bucket wait in its replacement list until someone is
// evicted.

// Bucket is a capacity-bounded range of the ID space.
type Bucket struct {
	Depth int
	// last is true for the bucket that covers the owner's ID.
	last bool
	// Least recently seen first.
	nodes []*remoteNode.RemoteNode
	// Oldest candidate first.
	replacements []*remoteNode.RemoteNode
	refreshed    time.Time
}

func (b *Bucket) index(id util.InfoHash) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (b *Bucket) moveToBack(i int) {
	n := b.nodes[i]
	copy(b.nodes[i:], b.nodes[i+1:])
	b.nodes[len(b.nodes)-1] = n
}

func (b *Bucket) removeAt(i int) *remoteNode.RemoteNode {
	n := b.nodes[i]
	copy(b.nodes[i:], b.nodes[i+1:])
	b.nodes[len(b.nodes)-1] = nil
	b.nodes = b.nodes[:len(b.nodes)-1]
	return n
}

func (b *Bucket) removeReplacement(id util.InfoHash) bool {
	for i, n := range b.replacements {
		if n.ID == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bucket) hasReplacement(id util.InfoHash) bool {
	for _, n := range b.replacements {
		if n.ID == id {
			return true
		}
	}
	return false
}

// addReplacement queues n, keeping at most max candidates. A candidate seen
// again moves to the newest position.
func (b *Bucket) addReplacement(n *remoteNode.RemoteNode, max int) {
	b.removeReplacement(n.ID)
	if max <= 0 {
		return
	}
	if len(b.replacements) >= max {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, n)
}

// popReplacement returns the most recently seen candidate.
func (b *Bucket) popReplacement() *remoteNode.RemoteNode {
	if len(b.replacements) == 0 {
		return nil
	}
	n := b.replacements[len(b.replacements)-1]
	b.replacements = b.replacements[:len(b.replacements)-1]
	return n
}

// BucketInfo is a snapshot of a bucket.
type BucketInfo struct {
	// Index is stable: buckets are only ever appended by splits.
	Index        int
	Depth        int
	CoversOwner  bool
	Len          int
	Replacements int
	Refreshed    time.Time
	owner        util.InfoHash
}

// RandomID returns a random ID that falls in the bucket's range.
func (b BucketInfo) RandomID() (util.InfoHash, error) {
	if b.CoversOwner {
		return util.RandomIDWithPrefix(b.owner, b.Depth)
	}
	// Same first Depth bits as the owner, then the opposite bit.
	return util.RandomIDWithPrefix(flipBit(b.owner, b.Depth), b.Depth+1)
}

func flipBit(id util.InfoHash, n int) util.InfoHash {
	b := []byte(id)
	b[n/8] ^= 0x80 >> uint(n%8)
	return util.InfoHash(b)
}

// CommonBits returns the number of leading bits s1 and s2 share.
func CommonBits(s1, s2 util.InfoHash) int {
	// copied from jch's dht.cc.
	ID1, ID2 := []byte(s1), []byte(s2)
	l := len(ID1)
	if len(ID2) < l {
		l = len(ID2)
	}

	i := 0
	for ; i < l; i++ {
		if ID1[i] != ID2[i] {
			break
		}
	}

	if i == l {
		return 8 * l
	}

	xor := ID1[i] ^ ID2[i]

	j := 0
	for (xor & 0x80) == 0 {
		xor <<= 1
		j++
	}
	return 8*i + j
}
