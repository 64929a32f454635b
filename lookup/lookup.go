// Package lookup implements the iterative, alpha-parallel nearest-node
// search shared by PUT, GET, and REFRESH.
package lookup

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kenkendk/slimdht/dhtkey"
	"github.com/kenkendk/slimdht/routing"
	"github.com/kenkendk/slimdht/wire"
)

// Sender dispatches one RPC to a destination peer, identified by key
// (zero when unknown) and address. Implemented by the connection
// broker.
type Sender interface {
	Send(ctx context.Context, req *wire.Request, destKey dhtkey.Key, addr string) (*wire.Response, error)
}

// Table supplies the initial candidate set for a search.
type Table interface {
	Nearest(target dhtkey.Key, n int, onlyClosestBucket bool) []routing.PeerInfo
}

// LocalStore lets GET short-circuit on a value this node already
// holds, and lets a successful remote GET populate this node's own
// cache tier.
type LocalStore interface {
	Get(key dhtkey.Key) ([]byte, bool)
	Put(key dhtkey.Key, data []byte)
}

// Engine runs visit_closest searches against the network on behalf of
// PUT, GET, and REFRESH.
type Engine struct {
	self  wire.PeerInfo
	table Table
	send  Sender
	store LocalStore
	k     int
	alpha int
	log   *logrus.Entry
}

// New creates an Engine.
func New(self wire.PeerInfo, table Table, send Sender, store LocalStore, k, alpha int, log *logrus.Entry) *Engine {
	return &Engine{self: self, table: table, send: send, store: store, k: k, alpha: alpha, log: log}
}

// roundState is the shared, mutex-guarded bookkeeping for one
// visit_closest run.
type roundState struct {
	mu           sync.Mutex
	target       dhtkey.Key
	candidates   []routing.PeerInfo
	used         map[dhtkey.Key]bool
	successes    []*wire.Response
	closestTried *dhtkey.Distance
}

// visitClosest is the shared engine driving PUT/GET/REFRESH: it
// iteratively queries up to alpha unused candidates per round, folding
// in any peers learned from their responses, until it collects need
// successes, or a round learns nothing new and no unused candidate is
// left to query.
//
// breadth sizes the initial candidate set pulled from the routing
// table (k for PUT/GET, and for REFRESH either k or 1 depending on
// whether a specific target peer was given). nonRegression tracks the
// closest peer contacted so far, as FIND_VALUE lookups do, and drops
// any newly learned candidate farther from the target than that peer.
func (e *Engine) visitClosest(ctx context.Context, target dhtkey.Key, need, breadth int, op wire.Operation, data []byte, nonRegression bool) *roundState {
	st := &roundState{
		target:     target,
		candidates: e.table.Nearest(target, breadth, false),
		used:       make(map[dhtkey.Key]bool),
	}

	for {
		st.mu.Lock()
		if len(st.candidates) == 0 {
			st.mu.Unlock()
			break
		}
		sortByDistance(st.candidates, target)
		batch := pickUnused(st.candidates, st.used, e.alpha)
		if len(batch) == 0 {
			st.mu.Unlock()
			break
		}
		for _, p := range batch {
			st.used[p.Key] = true
		}
		st.mu.Unlock()

		learnedNew := e.queryRound(ctx, st, batch, op, data, nonRegression)

		st.mu.Lock()
		doneOnSuccess := len(st.successes) >= need
		exhausted := len(pickUnused(st.candidates, st.used, 1)) == 0
		st.mu.Unlock()
		if doneOnSuccess {
			break
		}
		if !learnedNew && exhausted {
			break
		}
	}
	return st
}

// queryRound fires off one round of requests in parallel and folds
// their results into st. It returns whether any genuinely new
// candidate was learned this round.
func (e *Engine) queryRound(ctx context.Context, st *roundState, batch []routing.PeerInfo, op wire.Operation, data []byte, nonRegression bool) bool {
	var wg sync.WaitGroup
	var learnedAny bool

	for _, p := range batch {
		wg.Add(1)
		go func(p routing.PeerInfo) {
			defer wg.Done()
			req := &wire.Request{Op: op, Sender: e.self, Target: st.target, Data: data}
			resp, err := e.send.Send(ctx, req, p.Key, p.Addr)
			if err != nil {
				if e.log != nil {
					e.log.WithError(err).WithField("peer", p.Addr).Debug("lookup request failed")
				}
				return
			}

			st.mu.Lock()
			defer st.mu.Unlock()

			if nonRegression {
				d := dhtkey.XOR(p.Key, st.target)
				if st.closestTried == nil || d.Less(*st.closestTried) {
					st.closestTried = &d
				}
			}
			if resp.Success {
				st.successes = append(st.successes, resp)
			}
			for _, wp := range resp.Peers {
				cand := routing.PeerInfo{Key: wp.Key, Addr: joinAddr(wp.IP, wp.Port)}
				if cand.Key.Equal(e.self.Key) || st.used[cand.Key] {
					continue
				}
				if nonRegression && st.closestTried != nil {
					if d := dhtkey.XOR(cand.Key, st.target); st.closestTried.Less(d) {
						continue
					}
				}
				if containsKey(st.candidates, cand.Key) {
					continue
				}
				st.candidates = append(st.candidates, cand)
				learnedAny = true
			}
		}(p)
	}
	wg.Wait()
	return learnedAny
}

// sortByDistance orders candidates by increasing XOR distance to
// target in place, the way routing.Table.Nearest already sorts its own
// results - each round queries the currently-closest unused
// candidates first, per the iterative lookup's closest-first step.
func sortByDistance(candidates []routing.PeerInfo, target dhtkey.Key) {
	sort.Slice(candidates, func(i, j int) bool {
		di := dhtkey.XOR(candidates[i].Key, target)
		dj := dhtkey.XOR(candidates[j].Key, target)
		return di.Less(dj)
	})
}

func pickUnused(candidates []routing.PeerInfo, used map[dhtkey.Key]bool, n int) []routing.PeerInfo {
	var out []routing.PeerInfo
	for _, p := range candidates {
		if len(out) >= n {
			break
		}
		if used[p.Key] {
			continue
		}
		out = append(out, p)
	}
	return out
}

func containsKey(peers []routing.PeerInfo, key dhtkey.Key) bool {
	for _, p := range peers {
		if p.Key.Equal(key) {
			return true
		}
	}
	return false
}

func joinAddr(ip string, port uint16) string {
	return ip + ":" + itoa(port)
}

func itoa(port uint16) string {
	if port == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for port > 0 {
		i--
		buf[i] = byte('0' + port%10)
		port /= 10
	}
	return string(buf[i:])
}

// Put computes the content key for data and stores it at the k
// closest known peers, returning how many acknowledged the store.
func (e *Engine) Put(ctx context.Context, data []byte) (successCount int, key dhtkey.Key) {
	key = dhtkey.Compute(data)
	st := e.visitClosest(ctx, key, e.k, e.k, wire.OpStore, data, false)
	return len(st.successes), key
}

// Get returns the value for key, checking the local store first and
// falling back to a FIND_VALUE search. visited reports how many peers
// were contacted during a remote search (0 if served locally).
func (e *Engine) Get(ctx context.Context, key dhtkey.Key) (data []byte, found bool, visited int) {
	if local, ok := e.store.Get(key); ok {
		return local, true, 0
	}
	st := e.visitClosest(ctx, key, 1, e.k, wire.OpFindValue, nil, true)
	for _, resp := range st.successes {
		if resp.Data != nil {
			e.store.Put(key, resp.Data)
			return resp.Data, true, len(st.used)
		}
	}
	return nil, false, len(st.used)
}

// Refresh runs a FIND_PEER search for target, or for this node's own
// key when target is nil (the periodic self-refresh). A specific
// target narrows the search breadth to 1, since the goal is simply to
// confirm/refresh a single known peer rather than explore broadly.
func (e *Engine) Refresh(ctx context.Context, target *dhtkey.Key) {
	t := e.self.Key
	breadth := e.k
	if target != nil {
		t = *target
		breadth = 1
	}
	e.visitClosest(ctx, t, 1, breadth, wire.OpFindPeer, nil, false)
}
