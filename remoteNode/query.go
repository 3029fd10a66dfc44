package remoteNode

import (
	"time"

	"spider/util"
)

// Query is an outstanding request we sent, kept in the pending cache until
// its reply, an error or expiry.
type Query struct {
	TransID string
	// Type is the KRPC method.
	Type string
	// Target is the find_node target or get_peers infohash.
	Target    util.InfoHash
	SentAt    time.Time
	ExpiresAt time.Time
	// Node is the contact the query was sent to. Its ID may be empty when
	// bootstrapping from a router.
	Node *RemoteNode
	// Hops counts how many responses led to this query.
	Hops int
}

// Expired reports whether the reply deadline has passed at now.
func (q *Query) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}
