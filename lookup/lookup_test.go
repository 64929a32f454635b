package lookup

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenkendk/slimdht/dhtkey"
	"github.com/kenkendk/slimdht/routing"
	"github.com/kenkendk/slimdht/wire"
)

func silentLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeNetwork simulates a small set of peers, each with their own
// routing knowledge, so the engine's iterative widening can be
// exercised without real sockets.
type fakeNetwork struct {
	mu    sync.Mutex
	peers map[string]*fakePeer
}

type fakePeer struct {
	info  routing.PeerInfo
	known []routing.PeerInfo // peers this node will return from FIND_PEER/FIND_VALUE
	data  map[dhtkey.Key][]byte
}

func (fn *fakeNetwork) Send(ctx context.Context, req *wire.Request, destKey dhtkey.Key, addr string) (*wire.Response, error) {
	fn.mu.Lock()
	p, ok := fn.peers[addr]
	fn.mu.Unlock()
	if !ok {
		return nil, assertErr("no such peer")
	}
	switch req.Op {
	case wire.OpFindPeer:
		return &wire.Response{Success: true, Peers: toWire(p.known)}, nil
	case wire.OpFindValue:
		if data, ok := p.data[req.Target]; ok {
			return &wire.Response{Success: true, Data: data}, nil
		}
		return &wire.Response{Success: false, Peers: toWire(p.known)}, nil
	case wire.OpStore:
		return &wire.Response{Success: true}, nil
	default:
		return &wire.Response{Success: true}, nil
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func toWire(peers []routing.PeerInfo) []wire.PeerInfo {
	out := make([]wire.PeerInfo, len(peers))
	for i, p := range peers {
		host, portStr, _ := net.SplitHostPort(p.Addr)
		port, _ := strconv.Atoi(portStr)
		out[i] = wire.PeerInfo{Key: p.Key, IP: host, Port: uint16(port)}
	}
	return out
}

type fakeTable struct{ seed []routing.PeerInfo }

func (f fakeTable) Nearest(target dhtkey.Key, n int, onlyClosestBucket bool) []routing.PeerInfo {
	if len(f.seed) > n {
		return f.seed[:n]
	}
	return f.seed
}

type fakeLocalStore struct {
	mu   sync.Mutex
	data map[dhtkey.Key][]byte
}

func newFakeLocalStore() *fakeLocalStore { return &fakeLocalStore{data: make(map[dhtkey.Key][]byte)} }

func (s *fakeLocalStore) Get(key dhtkey.Key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *fakeLocalStore) Put(key dhtkey.Key, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
}

func TestGetReturnsLocalValueWithoutNetwork(t *testing.T) {
	self := wire.PeerInfo{Key: dhtkey.Compute([]byte("self"))}
	store := newFakeLocalStore()
	key := dhtkey.Compute([]byte("k"))
	store.Put(key, []byte("v"))

	e := New(self, fakeTable{}, &fakeNetwork{peers: map[string]*fakePeer{}}, store, 20, 2, silentLog())
	data, found, visited := e.Get(context.Background(), key)
	require.True(t, found)
	assert.Equal(t, []byte("v"), data)
	assert.Equal(t, 0, visited)
}

func TestGetFindsValueThroughNetwork(t *testing.T) {
	self := wire.PeerInfo{Key: dhtkey.Compute([]byte("self"))}
	key := dhtkey.Compute([]byte("k"))

	holder := routing.PeerInfo{Key: dhtkey.Compute([]byte("holder")), Addr: "holder:4001"}
	net := &fakeNetwork{peers: map[string]*fakePeer{
		"holder:4001": {info: holder, data: map[dhtkey.Key][]byte{key: []byte("remote value")}},
	}}

	table := fakeTable{seed: []routing.PeerInfo{holder}}
	store := newFakeLocalStore()
	e := New(self, table, net, store, 20, 2, silentLog())

	data, found, _ := e.Get(context.Background(), key)
	require.True(t, found)
	assert.Equal(t, []byte("remote value"), data)

	// successful remote GET should populate the local store too.
	cached, ok := store.Get(key)
	assert.True(t, ok)
	assert.Equal(t, []byte("remote value"), cached)
}

func TestGetWidensSearchViaReturnedPeers(t *testing.T) {
	self := wire.PeerInfo{Key: dhtkey.Compute([]byte("self"))}
	key := dhtkey.Compute([]byte("k"))

	// holder must be closer to key than relay: the non-regression rule
	// in Engine.Get filters out any newly learned candidate farther
	// from the target than the closest peer queried so far.
	holder := routing.PeerInfo{Key: dhtkey.Compute([]byte("near")), Addr: "holder:4001"}
	relay := routing.PeerInfo{Key: dhtkey.Compute([]byte("relay")), Addr: "relay:4000"}

	net := &fakeNetwork{peers: map[string]*fakePeer{
		"relay:4000":  {info: relay, known: []routing.PeerInfo{holder}},
		"holder:4001": {info: holder, data: map[dhtkey.Key][]byte{key: []byte("found via relay")}},
	}}

	table := fakeTable{seed: []routing.PeerInfo{relay}}
	store := newFakeLocalStore()
	e := New(self, table, net, store, 20, 2, silentLog())

	data, found, _ := e.Get(context.Background(), key)
	require.True(t, found)
	assert.Equal(t, []byte("found via relay"), data)
}

func TestPutReportsSuccessCount(t *testing.T) {
	self := wire.PeerInfo{Key: dhtkey.Compute([]byte("self"))}
	p1 := routing.PeerInfo{Key: dhtkey.Compute([]byte("p1")), Addr: "p1:4000"}
	p2 := routing.PeerInfo{Key: dhtkey.Compute([]byte("p2")), Addr: "p2:4001"}

	net := &fakeNetwork{peers: map[string]*fakePeer{
		"p1:4000": {info: p1},
		"p2:4001": {info: p2},
	}}
	table := fakeTable{seed: []routing.PeerInfo{p1, p2}}
	store := newFakeLocalStore()
	e := New(self, table, net, store, 20, 2, silentLog())

	count, key := e.Put(context.Background(), []byte("payload"))
	assert.Equal(t, 2, count)
	assert.True(t, key.Equal(dhtkey.Compute([]byte("payload"))))
}
