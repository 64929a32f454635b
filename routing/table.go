// Package routing implements the Kademlia-style k-bucket prefix tree
// that tracks peers known to a node, ordered by XOR distance from the
// node's own key.
package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/kenkendk/slimdht/dhtkey"
)

// PeerInfo is an entry in the routing table: a node identity paired
// with its network address and the last time it was heard from. Two
// PeerInfos are equal when both their key and address match.
type PeerInfo struct {
	Key      dhtkey.Key
	Addr     string
	LastSeen time.Time
}

// Equal reports whether p and o refer to the same peer at the same
// address.
func (p PeerInfo) Equal(o PeerInfo) bool {
	return p.Key.Equal(o.Key) && p.Addr == o.Addr
}

type bucket struct {
	peers []PeerInfo
}

func (b *bucket) indexOf(key dhtkey.Key) int {
	for i, p := range b.peers {
		if p.Key.Equal(key) {
			return i
		}
	}
	return -1
}

// touch moves the peer at index i to the most-recently-seen (tail)
// position.
func (b *bucket) touch(i int, p PeerInfo) {
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	b.peers = append(b.peers, p)
}

type node struct {
	leaf     bool
	bucket   *bucket
	splitBit int
	left     *node
	right    *node
}

// Table is a node's view of the network: a binary prefix tree of
// k-buckets rooted at the node's own key. Only the bucket that would
// contain the owner's own key (or the root bucket) is ever split;
// every other bucket is a fixed-depth leaf.
type Table struct {
	mu    sync.Mutex
	owner dhtkey.Key
	k     int
	root  *node

	// OnNewPeer, if set, is invoked (outside the table's lock) whenever
	// Add admits a peer the table had not seen before. The node
	// supervisor wires this to the discovery component's per-peer
	// refresh trigger.
	OnNewPeer func(PeerInfo)
}

// New creates a routing table centered on owner, with bucket size k.
func New(owner dhtkey.Key, k int) *Table {
	return &Table{
		owner: owner,
		k:     k,
		root:  &node{leaf: true, bucket: &bucket{}},
	}
}

// Add admits or refreshes a peer. added reports whether the peer is
// now present (refreshed or newly inserted, as opposed to refused for
// being a full non-splittable bucket or an address collision). isNew
// reports whether this peer was not already known.
func (t *Table) Add(p PeerInfo) (added, isNew bool) {
	t.mu.Lock()
	n := t.root
	depth := 0
	onOwnerPath := true
	for {
		if n.leaf {
			handled, added, isNew := t.tryAddLeaf(n, p)
			if handled {
				t.mu.Unlock()
				if isNew && t.OnNewPeer != nil {
					t.OnNewPeer(p)
				}
				return added, isNew
			}
			if !(depth == 0 || onOwnerPath) {
				t.mu.Unlock()
				return false, false
			}
			t.split(n, depth)
			continue
		}
		ownerBit := t.owner.Bit(n.splitBit)
		bit := p.Key.Bit(n.splitBit)
		if bit == ownerBit {
			n = n.left
		} else {
			onOwnerPath = false
			n = n.right
		}
		depth++
	}
}

func (t *Table) tryAddLeaf(n *node, p PeerInfo) (handled, added, isNew bool) {
	b := n.bucket
	if i := b.indexOf(p.Key); i >= 0 {
		existing := b.peers[i]
		if existing.Addr != p.Addr {
			return true, false, false
		}
		b.touch(i, p)
		return true, true, false
	}
	if len(b.peers) < t.k {
		b.peers = append(b.peers, p)
		return true, true, true
	}
	return false, false, false
}

func (t *Table) split(n *node, depth int) {
	old := n.bucket
	ownerBit := t.owner.Bit(depth)

	left := &node{leaf: true, bucket: &bucket{}}
	right := &node{leaf: true, bucket: &bucket{}}
	for _, p := range old.peers {
		if p.Key.Bit(depth) == ownerBit {
			left.bucket.peers = append(left.bucket.peers, p)
		} else {
			right.bucket.peers = append(right.bucket.peers, p)
		}
	}

	n.leaf = false
	n.bucket = nil
	n.splitBit = depth
	n.left = left
	n.right = right
}

// Remove deletes the peer with the given key, reporting whether it
// was present.
func (t *Table) Remove(key dhtkey.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.leafFor(key)
	i := n.bucket.indexOf(key)
	if i < 0 {
		return false
	}
	n.bucket.peers = append(n.bucket.peers[:i], n.bucket.peers[i+1:]...)
	return true
}

func (t *Table) leafFor(key dhtkey.Key) *node {
	n := t.root
	for !n.leaf {
		ownerBit := t.owner.Bit(n.splitBit)
		bit := key.Bit(n.splitBit)
		if bit == ownerBit {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n
}

// Nearest returns up to n peers closest to target by XOR distance. If
// onlyClosestBucket is set, the result is restricted to the single
// tree leaf nearest target: both children of every split are visited,
// and the side whose nearest member is closer is kept. The value store
// uses this narrow mode for its long-term placement check; the remote
// handler and the lookup engine scan every bucket.
func (t *Table) Nearest(target dhtkey.Key, n int, onlyClosestBucket bool) []PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var peers []PeerInfo
	if onlyClosestBucket {
		peers = closestBucketPeers(t.root, target)
	} else {
		collectAll(t.root, &peers)
	}

	sort.Slice(peers, func(i, j int) bool {
		di := dhtkey.XOR(peers[i].Key, target)
		dj := dhtkey.XOR(peers[j].Key, target)
		return di.Less(dj)
	})
	if n >= 0 && len(peers) > n {
		peers = peers[:n]
	}
	out := make([]PeerInfo, len(peers))
	copy(out, peers)
	return out
}

func collectAll(n *node, out *[]PeerInfo) {
	if n.leaf {
		*out = append(*out, n.bucket.peers...)
		return
	}
	collectAll(n.left, out)
	collectAll(n.right, out)
}

func closestBucketPeers(n *node, target dhtkey.Key) []PeerInfo {
	if n.leaf {
		return n.bucket.peers
	}
	left := closestBucketPeers(n.left, target)
	right := closestBucketPeers(n.right, target)
	if len(left) == 0 {
		return right
	}
	if len(right) == 0 {
		return left
	}
	if nearestDistance(left, target).Less(nearestDistance(right, target)) {
		return left
	}
	return right
}

func nearestDistance(peers []PeerInfo, target dhtkey.Key) dhtkey.Distance {
	best := dhtkey.XOR(peers[0].Key, target)
	for _, p := range peers[1:] {
		d := dhtkey.XOR(p.Key, target)
		if d.Less(best) {
			best = d
		}
	}
	return best
}

// Count returns the total number of peers known across all buckets.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countNode(t.root)
}

func countNode(n *node) int {
	if n.leaf {
		return len(n.bucket.peers)
	}
	return countNode(n.left) + countNode(n.right)
}
