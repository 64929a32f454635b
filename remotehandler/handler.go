// Package remotehandler serves the four RPC primitives a peer exposes
// to the network: PING, STORE, FIND_PEER, FIND_VALUE.
package remotehandler

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kenkendk/slimdht/dhtkey"
	"github.com/kenkendk/slimdht/routing"
	"github.com/kenkendk/slimdht/wire"
)

// Store is the local two-tier value store's interface as seen by the
// remote handler.
type Store interface {
	Put(key dhtkey.Key, data []byte)
	Get(key dhtkey.Key) ([]byte, bool)
}

// Handler answers inbound requests on behalf of a node.
type Handler struct {
	self  wire.PeerInfo
	table *routing.Table
	store Store
	k     int
	sem   *semaphore.Weighted
	log   *logrus.Entry
}

// New creates a Handler. concurrency bounds how many inbound requests
// this node answers at once, across all sessions.
func New(self wire.PeerInfo, table *routing.Table, store Store, k int, concurrency int64, log *logrus.Entry) *Handler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Handler{
		self:  self,
		table: table,
		store: store,
		k:     k,
		sem:   semaphore.NewWeighted(concurrency),
		log:   log,
	}
}

// Handle serves req and returns the response to send back.
func (h *Handler) Handle(ctx context.Context, req *wire.Request) *wire.Response {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		h.log.WithField("op", req.Op).Warn("refusing request: handler at capacity")
		return failure(req, h.self, "capacity", "handler at capacity")
	}
	defer h.sem.Release(1)

	// A self-short-circuited request carries this node as its own
	// sender; only genuine remote senders belong in the table.
	if !req.Sender.Key.IsZero() && !req.Sender.Key.Equal(h.self.Key) {
		if addr, ok := peerAddr(req.Sender); ok {
			h.table.Add(routing.PeerInfo{Key: req.Sender.Key, Addr: addr})
		}
	}

	switch req.Op {
	case wire.OpPing:
		return success(req, h.self, nil, h.nearestWire(h.self.Key))
	case wire.OpStore:
		h.log.WithField("key", req.Target.Hex()[:12]).Debug("serving STORE")
		h.store.Put(req.Target, req.Data)
		return success(req, h.self, nil, nil)
	case wire.OpFindPeer:
		peers := h.nearestWire(req.Target)
		resp := success(req, h.self, nil, peers)
		resp.Success = len(peers) > 0
		return resp
	case wire.OpFindValue:
		return h.handleFindValue(req)
	default:
		h.log.WithField("op", req.Op).Warn("rejecting malformed request: unknown operation")
		return failure(req, h.self, "protocol", fmt.Sprintf("unknown operation %v", req.Op))
	}
}

func (h *Handler) handleFindValue(req *wire.Request) *wire.Response {
	if data, ok := h.store.Get(req.Target); ok {
		return success(req, h.self, data, nil)
	}
	h.log.WithField("key", req.Target.Hex()[:12]).Debug("FIND_VALUE miss, returning nearest peers")
	peers := h.nearestWire(req.Target)
	resp := failure(req, h.self, "logical", "value not found")
	resp.Peers = peers
	return resp
}

func (h *Handler) nearestWire(target dhtkey.Key) []wire.PeerInfo {
	peers := h.table.Nearest(target, h.k, false)
	out := make([]wire.PeerInfo, 0, len(peers))
	for _, p := range peers {
		host, portStr, err := net.SplitHostPort(p.Addr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		out = append(out, wire.PeerInfo{Key: p.Key, IP: host, Port: uint16(port)})
	}
	return out
}

func success(req *wire.Request, self wire.PeerInfo, data []byte, peers []wire.PeerInfo) *wire.Response {
	return &wire.Response{ID: req.ID, Sender: self, Success: true, Data: data, Peers: peers}
}

// failure carries the handler's identity too, so the caller's session
// can still learn who it is talking to from a logical miss.
func failure(req *wire.Request, self wire.PeerInfo, kind, msg string) *wire.Response {
	return &wire.Response{ID: req.ID, Sender: self, Success: false, FailureKind: kind, Message: msg}
}

func peerAddr(p wire.PeerInfo) (string, bool) {
	if p.IP == "" {
		return "", false
	}
	return net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port))), true
}
