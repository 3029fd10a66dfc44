package remoteNode

import (
	"fmt"
	"net"
	"time"

	"spider/util"
)

// RemoteNode is a contact in the routing table. Owned by the routing table
// of one identity; other components hold copies or ids.
type RemoteNode struct {
	ID      util.InfoHash
	Address net.UDPAddr
	// AddressBinaryFormat contains the compact representation of the node's
	// host:port address.
	AddressBinaryFormat string
	LastSeen            time.Time
	// ConsecutiveFailures counts queries that timed out since the last
	// message we received from this node.
	ConsecutiveFailures int
}

func NewRemoteNode(addr net.UDPAddr, id util.InfoHash, now time.Time) *RemoteNode {
	return &RemoteNode{
		Address:             addr,
		AddressBinaryFormat: util.CompactAddr(addr.IP, addr.Port),
		ID:                  id,
		LastSeen:            now,
	}
}

// SetAddress changes the node's address and its compact form.
func (r *RemoteNode) SetAddress(addr net.UDPAddr) {
	r.Address = addr
	r.AddressBinaryFormat = util.CompactAddr(addr.IP, addr.Port)
}

// Compact returns the 26-byte "nodes" form, or "" if the address isn't
// IPv4 or the id is bogus.
func (r *RemoteNode) Compact() string {
	if BogusId(r.ID) || r.AddressBinaryFormat == "" {
		return ""
	}
	return string(r.ID) + r.AddressBinaryFormat
}

// Copy returns a snapshot of r safe to hand out of the routing table.
func (r *RemoteNode) Copy() *RemoteNode {
	c := *r
	c.Address.IP = append(net.IP(nil), r.Address.IP...)
	return &c
}

func (r *RemoteNode) String() string {
	return fmt.Sprintf("%x@%v", string(r.ID), r.Address.String())
}

func BogusId(id util.InfoHash) bool {
	return len(id) != util.IDLen
}
