package peer

import (
	"container/ring"
	"sync"

	"github.com/golang/groupcache/lru"

	"spider/util"
)

// For the inner map, the key address in binary form. value=ignored.
type peerContactsSet struct {
	set map[string]bool
	// Needed to ensure different peers are returned each time.
	ring *ring.Ring
}

// next returns up to 8 peer contacts, if available. Further calls will return a
// different set of contacts, if possible.
func (p *peerContactsSet) next() []string {
	count := util.KNodes
	if count > p.Size() {
		count = p.Size()
	}
	x := make([]string, 0, count)
	for i := 0; i < p.Size() && len(x) < count; i++ {
		p.ring = p.ring.Move(1)
		x = append(x, p.ring.Value.(string))
	}
	return x
}

func (p *peerContactsSet) put(peerContact string) bool {
	if len(peerContact) < util.CompactPeerLen {
		return false
	}
	if ok := p.set[peerContact]; ok {
		return false
	}
	p.set[peerContact] = true
	r := &ring.Ring{Value: peerContact}
	if p.ring == nil {
		p.ring = r
	} else {
		p.ring.Link(r)
	}
	return true
}

func (p *peerContactsSet) Size() int {
	return len(p.set)
}

// PeerStore remembers the peers announced to us, so get_peers queries can be
// answered with values. It's bounded in both dimensions: the least recently
// used infohash is forgotten when too many are tracked, and each infohash
// keeps at most maxInfoHashPeers contacts.
type PeerStore struct {
	mu sync.Mutex
	// cache of peers for infohashes. Each key is an infohash and the
	// values are peerContactsSet.
	infoHashPeers    *lru.Cache
	maxInfoHashes    int
	maxInfoHashPeers int
}

func NewPeerStore(maxInfoHashes, maxInfoHashPeers int) *PeerStore {
	return &PeerStore{
		infoHashPeers:    lru.New(maxInfoHashes),
		maxInfoHashes:    maxInfoHashes,
		maxInfoHashPeers: maxInfoHashPeers,
	}
}

func (h *PeerStore) get(ih util.InfoHash) *peerContactsSet {
	c, ok := h.infoHashPeers.Get(string(ih))
	if !ok {
		return nil
	}
	contacts := c.(*peerContactsSet)
	return contacts
}

// Count returns the number of known peers for the provided infohash.
func (h *PeerStore) Count(ih util.InfoHash) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.get(ih)
	if peers == nil {
		return 0
	}
	return peers.Size()
}

// PeerContacts returns a random set of 8 peers for the ih InfoHash, in
// compact form.
func (h *PeerStore) PeerContacts(ih util.InfoHash) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.get(ih)
	if peers == nil {
		return nil
	}
	return peers.next()
}

// AddContact stores peerContact, a 6-byte compact address, for ih. It
// returns false if the contact was already known or the infohash is full.
func (h *PeerStore) AddContact(ih util.InfoHash, peerContact string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	var peers *peerContactsSet
	p, ok := h.infoHashPeers.Get(string(ih))
	if ok {
		peers = p.(*peerContactsSet)
		if peers.Size() >= h.maxInfoHashPeers {
			// Already tracking too many peers for this infohash.
			return false
		}
	}
	if peers == nil {
		peers = &peerContactsSet{set: make(map[string]bool)}
		h.infoHashPeers.Add(string(ih), peers)
	}
	return peers.put(peerContact)
}
