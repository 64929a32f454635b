// Package broker owns the pool of live peer connections: it dials
// lazily, multiplexes sends through each peer's Session, and evicts
// the least recently used connection once the pool is full.
package broker

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kenkendk/slimdht/dhtkey"
	"github.com/kenkendk/slimdht/mru"
	"github.com/kenkendk/slimdht/routing"
	"github.com/kenkendk/slimdht/session"
	"github.com/kenkendk/slimdht/wire"
)

// Dialer opens a connection to a peer address.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Config bounds the broker's connection pool and each session's
// outbound parallelism.
type Config struct {
	MaxConnections int
	SessionP       int64
}

// Broker is the connection pool and send path for outbound RPC.
// Requests addressed to the broker's own peer are served locally
// without touching the network.
type Broker struct {
	self     wire.PeerInfo
	selfAddr string
	handler  session.Handler
	dial     Dialer
	table    *routing.Table
	cfg      Config
	log      *logrus.Entry

	// runCtx scopes pooled sessions to the broker itself rather than
	// to whichever request happened to dial them.
	runCtx context.Context
	stop   context.CancelFunc

	mu      sync.Mutex
	byAddr  map[string]*session.Session
	recency *mru.Cache[string, struct{}]
}

// New creates a Broker. self is this node's own identity and selfAddr
// its own dialable address, used for the self-short-circuit and as
// the Sender stamped on outbound requests made through Send.
func New(self wire.PeerInfo, selfAddr string, table *routing.Table, handler session.Handler, dial Dialer, cfg Config, log *logrus.Entry) *Broker {
	runCtx, stop := context.WithCancel(context.Background())
	return &Broker{
		self:     self,
		selfAddr: selfAddr,
		handler:  handler,
		dial:     dial,
		table:    table,
		cfg:      cfg,
		log:      log,
		runCtx:   runCtx,
		stop:     stop,
		byAddr:   make(map[string]*session.Session),
		recency:  mru.New[string, struct{}](cfg.MaxConnections, 0),
	}
}

// Send routes req to the peer at addr, serving it locally when the
// destination is this node itself - either by key (destKey, zero when
// the destination's identity is not yet known, e.g. a bootstrap seed)
// or by address. The lookup target inside req plays no part in this:
// a self-lookup still goes out to remote peers.
func (b *Broker) Send(ctx context.Context, req *wire.Request, destKey dhtkey.Key, addr string) (*wire.Response, error) {
	req.Sender = b.self
	if addr == b.selfAddr || (!destKey.IsZero() && destKey.Equal(b.self.Key)) {
		resp := b.handler.Handle(ctx, req)
		resp.Sender = b.self
		return resp, nil
	}

	sess, err := b.sessionFor(ctx, addr)
	if err != nil {
		return nil, err
	}
	return sess.Call(ctx, req)
}

func (b *Broker) sessionFor(ctx context.Context, addr string) (*session.Session, error) {
	b.mu.Lock()
	sess, ok := b.byAddr[addr]
	if ok {
		b.recency.Add(addr, struct{}{})
		b.mu.Unlock()
		return sess, nil
	}
	b.mu.Unlock()

	conn, err := b.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("broker: dial %s: %w", addr, err)
	}
	sess = session.New(conn, session.Config{MaxInFlight: b.cfg.SessionP}, b.handler, b.log.WithField("peer", addr))
	b.wireSession(addr, sess)

	evicted, didEvict := func() (string, bool) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byAddr[addr] = sess
		return b.recency.Add(addr, struct{}{})
	}()
	if didEvict && evicted != addr {
		b.evict(evicted)
	}

	go func() {
		if err := sess.Serve(b.runCtx); err != nil {
			b.log.WithError(err).WithField("peer", addr).Debug("session closed")
		}
	}()
	return sess, nil
}

func (b *Broker) wireSession(addr string, sess *session.Session) {
	sess.OnIdentified = func(info wire.PeerInfo) {
		// Prefer the peer's advertised listen address: on an inbound
		// connection addr is the remote's ephemeral port, which is not
		// dialable.
		peerAddr := addr
		if info.IP != "" {
			peerAddr = net.JoinHostPort(info.IP, fmt.Sprint(info.Port))
		}
		b.table.Add(routing.PeerInfo{Key: info.Key, Addr: peerAddr})
	}
	sess.OnPeers = func(peers []wire.PeerInfo) {
		for _, p := range peers {
			if p.Key.Equal(b.self.Key) {
				continue
			}
			b.table.Add(routing.PeerInfo{Key: p.Key, Addr: net.JoinHostPort(p.IP, fmt.Sprint(p.Port))})
		}
	}
	sess.OnClosed = func(err error) {
		b.mu.Lock()
		delete(b.byAddr, addr)
		b.recency.Remove(addr)
		b.mu.Unlock()
		if info, ok := sess.RemoteKey(); ok {
			b.table.Remove(info.Key)
		}
	}
}

func (b *Broker) evict(addr string) {
	b.mu.Lock()
	sess, ok := b.byAddr[addr]
	delete(b.byAddr, addr)
	b.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// Register installs a session whose Serve loop the caller runs itself
// (used by the node supervisor for inbound connections) so outbound
// traffic to the same peer reuses it instead of dialing again.
func (b *Broker) Register(addr string, sess *session.Session) {
	b.wireSession(addr, sess)
	b.mu.Lock()
	b.byAddr[addr] = sess
	evicted, didEvict := b.recency.Add(addr, struct{}{})
	b.mu.Unlock()
	if didEvict && evicted != addr {
		b.evict(evicted)
	}
}

// Deregister drops a known session by address without closing it.
// A session's own closure is handled by the OnClosed callback that
// wireSession installs, not through this method.
func (b *Broker) Deregister(addr string) {
	b.mu.Lock()
	delete(b.byAddr, addr)
	b.mu.Unlock()
}

// Close tears down every pooled session. The broker cannot be used
// afterwards.
func (b *Broker) Close() {
	b.stop()
	b.mu.Lock()
	sessions := make([]*session.Session, 0, len(b.byAddr))
	for _, s := range b.byAddr {
		sessions = append(sessions, s)
	}
	b.byAddr = make(map[string]*session.Session)
	b.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Stats summarizes the connection pool.
type Stats struct {
	ActiveConnections int
	MaxConnections    int
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{ActiveConnections: len(b.byAddr), MaxConnections: b.cfg.MaxConnections}
}
