// Package discovery bootstraps a node into the network and keeps its
// routing table warm via periodic and per-new-peer refreshes.
package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenkendk/slimdht/dhtkey"
	"github.com/kenkendk/slimdht/routing"
	"github.com/kenkendk/slimdht/wire"
)

// Engine is the subset of the lookup engine discovery drives.
type Engine interface {
	Refresh(ctx context.Context, target *dhtkey.Key)
}

// Sender dispatches a single RPC, used directly for the bootstrap
// FIND_PEER calls (the engine's own Refresh handles the rest). The
// destination key is zero for seeds, whose identity is unknown until
// they answer.
type Sender interface {
	Send(ctx context.Context, req *wire.Request, destKey dhtkey.Key, addr string) (*wire.Response, error)
}

// Discovery owns bootstrap and the two refresh triggers described in
// the node's design: a periodic self-refresh, and an immediate
// refresh whenever the routing table learns of a brand new peer.
type Discovery struct {
	self     wire.PeerInfo
	engine   Engine
	send     Sender
	interval time.Duration
	log      *logrus.Entry
}

// New creates a Discovery.
func New(self wire.PeerInfo, engine Engine, send Sender, refreshInterval time.Duration, log *logrus.Entry) *Discovery {
	return &Discovery{self: self, engine: engine, send: send, interval: refreshInterval, log: log}
}

// Bootstrap contacts each seed address with a FIND_PEER for this
// node's own key, seeding the routing table via the normal response
// path (the session layer feeds any returned peers into the table).
// The node's own address is skipped.
func (d *Discovery) Bootstrap(ctx context.Context, seeds []string) {
	selfAddr := net.JoinHostPort(d.self.IP, strconv.Itoa(int(d.self.Port)))
	for _, addr := range seeds {
		if addr == selfAddr {
			continue
		}
		req := &wire.Request{Op: wire.OpFindPeer, Sender: d.self, Target: d.self.Key}
		if _, err := d.send.Send(ctx, req, dhtkey.Zero(), addr); err != nil {
			d.log.WithError(err).WithField("seed", addr).Warn("bootstrap contact failed")
		}
	}
}

// RunPeriodicRefresh triggers a self-refresh every interval until ctx
// is done.
func (d *Discovery) RunPeriodicRefresh(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.engine.Refresh(ctx, nil)
		}
	}
}

// WatchNewPeers consumes the routing table's new-peer notifications
// (wired via routing.Table.OnNewPeer) and issues a narrow refresh for
// each one.
func (d *Discovery) WatchNewPeers(ctx context.Context, newPeers <-chan routing.PeerInfo) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-newPeers:
			if !ok {
				return
			}
			key := p.Key
			d.engine.Refresh(ctx, &key)
		}
	}
}
