package routingTable

import (
	"fmt"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spider/remoteNode"
	"spider/util"
)

const (
	id = "01abcdefghij01234567"
)

type test struct {
	id        string
	rid       string
	proximity int
}

var table = []test{
	{id, id, 160},
	{id, "01abcdefghij01234566", 159},
	{id, "01abcdefghij01234568", 156},
	{id, "01abcdefghij01234569", 156},
	{id, "01abcdefghij0123456a", 153},
	{id, "01abcdefghij0123456b", 153},
	{id, "01abcdefghij0123456c", 153},
	{id, "01abcdefghij0123456d", 153},
	{"43b24884c97bdaa311ce", "43b24884c97bdaa311cf", 159},
	{"\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00", "\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00", 0},
}

func TestCommonBits(t *testing.T) {
	for _, v := range table {
		c := CommonBits(util.InfoHash(v.id), util.InfoHash(v.rid))
		if c != v.proximity {
			t.Errorf("test failed for %v, wanted %d got %d", v.rid, v.proximity, c)
		}
	}
}

var zeroID = util.InfoHash(make([]byte, 20))

// idWith builds an ID from a leading byte and a distinguishing tail byte.
func idWith(first, last byte) util.InfoHash {
	b := make([]byte, 20)
	b[0] = first
	b[19] = last
	return util.InfoHash(b)
}

var portSeq = 1000

func genremoteNode(id util.InfoHash) *remoteNode.RemoteNode {
	portSeq++
	return remoteNode.NewRemoteNode(net.UDPAddr{IP: net.IPv4(10, 0, byte(portSeq>>8), byte(portSeq)), Port: portSeq}, id, time.Time{})
}

func newTable(t *testing.T) (*RoutingTable, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	return NewRoutingTable(zeroID, DefaultConfig(), clk, nil), clk
}

func TestInsertRefusesSelfAndBogus(t *testing.T) {
	r, _ := newTable(t)
	assert.False(t, r.Insert(genremoteNode(zeroID)))
	assert.False(t, r.Insert(genremoteNode("short")))
	n := genremoteNode(idWith(0x80, 1))
	n.Address.Port = 0
	assert.False(t, r.Insert(n))
	assert.Equal(t, 0, r.Length())
}

func TestSplitOnNinthContact(t *testing.T) {
	r, _ := newTable(t)
	// Four contacts differ from us on the first bit, five share it. All of
	// them land in the single initial bucket, which covers our own ID.
	var ids []util.InfoHash
	for i := 0; i < 4; i++ {
		ids = append(ids, idWith(0x80, byte(i)))
	}
	for i := 0; i < 5; i++ {
		ids = append(ids, idWith(0x40, byte(i)))
	}
	for _, id := range ids {
		require.True(t, r.Insert(genremoteNode(id)), "insert %x", string(id))
	}

	buckets := r.Buckets()
	require.Len(t, buckets, 2, "exactly one split")
	assert.Equal(t, 4, buckets[0].Len)
	assert.False(t, buckets[0].CoversOwner)
	assert.Equal(t, 5, buckets[1].Len)
	assert.True(t, buckets[1].CoversOwner)

	closest := r.Closest(zeroID, 9)
	require.Len(t, closest, 9)
	for i := 0; i < 5; i++ {
		assert.Equal(t, idWith(0x40, byte(i)), closest[i].ID)
	}
	for i := 0; i < 4; i++ {
		assert.Equal(t, idWith(0x80, byte(i)), closest[5+i].ID)
	}
}

func TestFullFarBucketQueuesReplacement(t *testing.T) {
	r, _ := newTable(t)
	// Force a split so the far bucket stops covering our own ID.
	for i := 0; i < 8; i++ {
		r.Insert(genremoteNode(idWith(0x80, byte(i))))
	}
	r.Insert(genremoteNode(idWith(0x01, 1)))
	require.Len(t, r.Buckets(), 2)

	candidate := idWith(0x80, 100)
	assert.False(t, r.Insert(genremoteNode(candidate)))
	_, ok := r.Lookup(candidate)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Buckets()[0].Replacements)

	// Evicting a member promotes the candidate.
	victim := idWith(0x80, 3)
	cfg := DefaultConfig()
	for i := 0; i <= cfg.MaxFailures; i++ {
		r.MarkFailure(victim)
	}
	_, ok = r.Lookup(victim)
	assert.False(t, ok)
	_, ok = r.Lookup(candidate)
	assert.True(t, ok)
	assert.Equal(t, 8, r.Buckets()[0].Len)
}

func TestMarkFailureThreshold(t *testing.T) {
	r, _ := newTable(t)
	target := idWith(0x10, 1)
	r.Insert(genremoteNode(target))
	r.Insert(genremoteNode(idWith(0x20, 1)))

	cfg := DefaultConfig()
	for i := 0; i < cfg.MaxFailures; i++ {
		assert.False(t, r.MarkFailure(target))
	}
	require.Len(t, r.Closest(target, 8), 2)
	assert.True(t, r.MarkFailure(target))
	for _, n := range r.Closest(target, 8) {
		assert.NotEqual(t, target, n.ID)
	}
}

func TestMarkSuccessResetsFailures(t *testing.T) {
	r, clk := newTable(t)
	target := idWith(0x10, 1)
	r.Insert(genremoteNode(target))
	r.MarkFailure(target)
	r.MarkFailure(target)
	clk.Add(time.Minute)
	require.True(t, r.MarkSuccess(target))
	n, ok := r.Lookup(target)
	require.True(t, ok)
	assert.Zero(t, n.ConsecutiveFailures)
	assert.Equal(t, clk.Now(), n.LastSeen)
	assert.False(t, r.MarkSuccess(idWith(0x11, 1)))
}

func TestAddressReusedByNewID(t *testing.T) {
	r, _ := newTable(t)
	a := genremoteNode(idWith(0x10, 1))
	r.Insert(a)
	b := remoteNode.NewRemoteNode(a.Address, idWith(0x20, 1), time.Time{})
	r.Insert(b)
	_, ok := r.Lookup(idWith(0x10, 1))
	assert.False(t, ok)
	_, ok = r.Lookup(idWith(0x20, 1))
	assert.True(t, ok)
	assert.Equal(t, 1, r.Length())
}

func TestNoFarBucketExceedsK(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	owner := make([]byte, 20)
	rng.Read(owner)
	r := NewRoutingTable(util.InfoHash(owner), DefaultConfig(), clock.NewMock(), nil)
	for i := 0; i < 3000; i++ {
		b := make([]byte, 20)
		rng.Read(b)
		// Bias half of the IDs towards our own to force deep splits.
		if i%2 == 0 {
			copy(b[:1+rng.Intn(4)], owner)
		}
		r.Insert(genremoteNode(util.InfoHash(b)))
	}
	for _, b := range r.Buckets() {
		assert.LessOrEqual(t, b.Len, DefaultConfig().K, "bucket %d", b.Index)
	}
}

func TestClosestIsOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	r, _ := newTable(t)
	for i := 0; i < 500; i++ {
		b := make([]byte, 20)
		rng.Read(b)
		r.Insert(genremoteNode(util.InfoHash(b)))
	}
	for i := 0; i < 20; i++ {
		target, err := util.RandomID()
		require.NoError(t, err)
		got := r.Closest(target, 16)
		for j := 1; j < len(got); j++ {
			require.LessOrEqual(t, util.CompareDistance(target, got[j-1].ID, got[j].ID), 0)
		}
	}
}

func TestLeastRecentlyRefreshedBucket(t *testing.T) {
	r, clk := newTable(t)
	for i := 0; i < 9; i++ {
		clk.Add(time.Second)
		if i < 8 {
			r.Insert(genremoteNode(idWith(0x80, byte(i))))
		} else {
			r.Insert(genremoteNode(idWith(0x01, byte(i))))
		}
	}
	require.Len(t, r.Buckets(), 2)
	// Bucket 0 was last touched before the insert that caused the split.
	assert.Equal(t, 0, r.LeastRecentlyRefreshedBucket().Index)

	clk.Add(time.Second)
	r.MarkRefreshed(0)
	assert.Equal(t, 1, r.LeastRecentlyRefreshedBucket().Index)
}

func TestBucketRandomIDInRange(t *testing.T) {
	r, _ := newTable(t)
	for i := 0; i < 8; i++ {
		r.Insert(genremoteNode(idWith(0x80, byte(i))))
	}
	r.Insert(genremoteNode(idWith(0x01, 1)))
	for _, b := range r.Buckets() {
		for i := 0; i < 20; i++ {
			rid, err := b.RandomID()
			require.NoError(t, err)
			cb := CommonBits(zeroID, rid)
			if b.CoversOwner {
				assert.GreaterOrEqual(t, cb, b.Depth)
			} else {
				assert.Equal(t, b.Depth, cb, fmt.Sprintf("bucket %d", b.Index))
			}
		}
	}
}

func TestStaleOrder(t *testing.T) {
	r, clk := newTable(t)
	for i := 0; i < 3; i++ {
		r.Insert(genremoteNode(idWith(0x10, byte(i))))
		clk.Add(time.Minute)
	}
	// Refresh the oldest, it should drop out of the stale list.
	r.MarkSuccess(idWith(0x10, 0))
	clk.Add(time.Minute)
	stale := r.Stale(90*time.Second, 10)
	require.Len(t, stale, 2)
	assert.Equal(t, idWith(0x10, 1), stale[0].ID)
	assert.Equal(t, idWith(0x10, 2), stale[1].ID)
}

func TestCandidateDoesNotVouchForKnownContact(t *testing.T) {
	r, clk := newTable(t)
	n := genremoteNode(idWith(0x80, 1))
	require.True(t, r.Insert(n.Copy()))
	seen := clk.Now()
	stamp := r.Buckets()[0].Refreshed

	clk.Add(time.Minute)
	require.False(t, r.MarkFailure(n.ID))
	require.True(t, r.InsertCandidate(n.Copy()))

	got, ok := r.Lookup(n.ID)
	require.True(t, ok)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.True(t, seen.Equal(got.LastSeen))
	assert.True(t, stamp.Equal(r.Buckets()[0].Refreshed))

	for i := 1; i < DefaultConfig().MaxFailures; i++ {
		r.MarkFailure(n.ID)
		r.InsertCandidate(n.Copy())
	}
	assert.True(t, r.MarkFailure(n.ID), "hearsay never saves a silent contact")
	_, ok = r.Lookup(n.ID)
	assert.False(t, ok)
}

func TestCandidateIsAddedUnverified(t *testing.T) {
	r, clk := newTable(t)
	clk.Add(time.Hour)
	n := genremoteNode(idWith(0x80, 1))
	require.True(t, r.InsertCandidate(n))

	got, ok := r.Lookup(n.ID)
	require.True(t, ok)
	assert.True(t, got.LastSeen.IsZero())
	assert.True(t, r.Buckets()[0].Refreshed.IsZero(), "bucket isn't stamped by hearsay")
	assert.Len(t, r.Stale(time.Minute, -1), 1, "pinged first")

	// A candidate can't take over an address a member is using.
	other := remoteNode.NewRemoteNode(n.Address, idWith(0x81, 2), time.Time{})
	assert.False(t, r.InsertCandidate(other))
	_, ok = r.Lookup(n.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, r.Length())
}

func TestSplitSkipsCandidatesAtTakenAddresses(t *testing.T) {
	r, _ := newTable(t)
	var members []*remoteNode.RemoteNode
	for i := 0; i < util.KNodes; i++ {
		first := byte(0x80)
		if i%2 == 1 {
			first = 0x40
		}
		n := genremoteNode(idWith(first, byte(i)))
		members = append(members, n)
		require.True(t, r.Insert(n))
	}
	require.Len(t, r.Buckets(), 1)

	// members[1] has the 0x40 prefix and ends up in the new last bucket.
	clash := remoteNode.NewRemoteNode(members[1].Address, idWith(0x81, 0xf0), time.Time{})
	free := genremoteNode(idWith(0x82, 0xf1))
	r.mu.Lock()
	r.buckets[0].replacements = []*remoteNode.RemoteNode{free, clash}
	r.split()
	r.mu.Unlock()

	_, ok := r.Lookup(clash.ID)
	assert.False(t, ok)
	_, ok = r.Lookup(free.ID)
	assert.True(t, ok)
	assert.Same(t, members[1], r.Addresses[members[1].Address.String()])
	assert.Equal(t, util.KNodes+1, r.Length())
}
