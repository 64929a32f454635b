// Package node supervises one DHT peer instance: it owns the routing
// table, value store, remote handler, connection broker, lookup
// engine, and discovery loops behind a single facade with no
// process-wide globals, so several nodes can run and be addressed
// independently in one process.
package node

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenkendk/slimdht/broker"
	"github.com/kenkendk/slimdht/config"
	"github.com/kenkendk/slimdht/dhtkey"
	"github.com/kenkendk/slimdht/discovery"
	"github.com/kenkendk/slimdht/lookup"
	"github.com/kenkendk/slimdht/remotehandler"
	"github.com/kenkendk/slimdht/routing"
	"github.com/kenkendk/slimdht/session"
	"github.com/kenkendk/slimdht/store"
	"github.com/kenkendk/slimdht/wire"
)

// newPeerChanCapacity bounds the internal routing-table-to-discovery
// notification channel. It is unrelated to req_buffer (the bound on
// outbound session/handler concurrency) and sized independently since
// a burst of newly discovered peers is not itself a concurrency limit.
const newPeerChanCapacity = 64

// Node is a single DHT peer: its own identity, routing table, value
// store, and network plumbing.
type Node struct {
	cfg        config.Config
	instanceID uuid.UUID
	self       wire.PeerInfo
	selfAddr   string

	table     *routing.Table
	valStore  *store.Store
	handler   *remotehandler.Handler
	brk       *broker.Broker
	engine    *lookup.Engine
	disco     *discovery.Discovery
	newPeerCh chan routing.PeerInfo

	listener net.Listener
	log      *logrus.Entry

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	terminated atomic.Bool
}

// New constructs a Node and binds its TCP listener, so that the
// node's dialable address (including a kernel-assigned port when
// listenAddr carries port 0) is known before any component that
// stamps it on outbound traffic is built. Start launches the accept
// and background loops.
func New(cfg config.Config, listenAddr string, baseLogger *logrus.Logger) (*Node, error) {
	key, err := dhtkey.Random()
	if err != nil {
		return nil, fmt.Errorf("node: generate identity: %w", err)
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen on %s: %w", listenAddr, err)
	}
	boundAddr := ln.Addr().String()
	host, portStr, err := net.SplitHostPort(boundAddr)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("node: invalid listen address %q: %w", boundAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("node: invalid port in %q: %w", boundAddr, err)
	}

	instanceID := uuid.New()
	self := wire.PeerInfo{Key: key, IP: host, Port: uint16(port)}
	log := baseLogger.WithFields(logrus.Fields{"node": instanceID.String()[:8], "key": key.Hex()[:12]})

	table := routing.New(key, cfg.K)
	newPeerCh := make(chan routing.PeerInfo, newPeerChanCapacity)
	table.OnNewPeer = func(p routing.PeerInfo) {
		select {
		case newPeerCh <- p:
		default:
			log.WithField("component", "routing").Debug("new-peer channel full, dropping refresh trigger")
		}
	}

	valStore := store.New(key, table, cfg.K, cfg.StoreSize, cfg.MaxAge, log.WithField("component", "store"))
	handler := remotehandler.New(self, table, valStore, cfg.K, int64(cfg.ReqBuffer), log.WithField("component", "remotehandler"))

	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", addr)
	}
	brk := broker.New(self, boundAddr, table, handler, dialer,
		broker.Config{MaxConnections: cfg.MaxConnections, SessionP: int64(cfg.ReqBuffer)},
		log.WithField("component", "broker"))

	engine := lookup.New(self, table, brk, valStore, cfg.K, cfg.Alpha, log.WithField("component", "lookup"))
	disco := discovery.New(self, engine, brk, cfg.RefreshInterval, log.WithField("component", "discovery"))

	return &Node{
		cfg:        cfg,
		instanceID: instanceID,
		self:       self,
		selfAddr:   boundAddr,
		table:      table,
		valStore:   valStore,
		handler:    handler,
		brk:        brk,
		engine:     engine,
		disco:      disco,
		newPeerCh:  newPeerCh,
		listener:   ln,
		log:        log,
	}, nil
}

// Key returns this node's identity.
func (n *Node) Key() dhtkey.Key { return n.self.Key }

// Addr returns this node's listen address.
func (n *Node) Addr() string { return n.selfAddr }

// InstanceID returns the UUID stamped on this node's log lines.
func (n *Node) InstanceID() uuid.UUID { return n.instanceID }

// Start launches the accept loop, the store's expiry loop, and
// discovery's periodic/per-new-peer refresh loops on the listener New
// bound.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(4)
	go func() { defer n.wg.Done(); n.acceptLoop(runCtx) }()
	go func() { defer n.wg.Done(); n.valStore.RunExpiryLoop(runCtx, n.cfg.MaxAge/3) }()
	go func() { defer n.wg.Done(); n.disco.RunPeriodicRefresh(runCtx) }()
	go func() { defer n.wg.Done(); n.disco.WatchNewPeers(runCtx, n.newPeerCh) }()

	n.log.WithField("addr", n.selfAddr).Info("node started")
	return nil
}

func (n *Node) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		n.listener.Close()
	}()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.WithError(err).Warn("accept failed")
			continue
		}
		go n.handleConn(ctx, conn)
	}
}

func (n *Node) handleConn(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	sess := session.New(conn, session.Config{MaxInFlight: int64(n.cfg.ReqBuffer)}, n.handler, n.log.WithField("peer", addr))
	n.brk.Register(addr, sess)

	// The remote end's key is unknown until it identifies itself in a
	// response; ping it immediately so it becomes routable without
	// waiting on it to issue a request of its own first.
	go func() {
		req := &wire.Request{Op: wire.OpPing, Sender: n.self}
		if _, err := sess.Call(ctx, req); err != nil {
			n.log.WithError(err).WithField("peer", addr).Debug("initial ping failed")
		}
	}()

	if err := sess.Serve(ctx); err != nil {
		n.log.WithError(err).WithField("peer", addr).Debug("inbound session closed")
	}
}

// Bootstrap contacts the given seed addresses to join the network.
func (n *Node) Bootstrap(ctx context.Context, seeds []string) {
	n.disco.Bootstrap(ctx, seeds)
}

// Connect bootstraps against a single host:port seed, the operator
// console's "node connect" command.
func (n *Node) Connect(ctx context.Context, addr string) {
	n.disco.Bootstrap(ctx, []string{addr})
}

// Put computes the content key for data and stores it network-wide,
// reporting how many peers acknowledged the store.
func (n *Node) Put(ctx context.Context, data []byte) (successCount int, key dhtkey.Key) {
	return n.engine.Put(ctx, data)
}

// Get retrieves the value for a hex-encoded key.
func (n *Node) Get(ctx context.Context, hexKey string) ([]byte, bool, error) {
	key, err := dhtkey.ParseHex(hexKey)
	if err != nil {
		return nil, false, fmt.Errorf("node: parse key: %w", err)
	}
	data, found, _ := n.engine.Get(ctx, key)
	return data, found, nil
}

// Refresh triggers a manual refresh: a full self-refresh if hexKey is
// empty, or a narrow refresh of the named peer otherwise.
func (n *Node) Refresh(ctx context.Context, hexKey string) error {
	if hexKey == "" {
		n.engine.Refresh(ctx, nil)
		return nil
	}
	key, err := dhtkey.ParseHex(hexKey)
	if err != nil {
		return fmt.Errorf("node: parse key: %w", err)
	}
	n.engine.Refresh(ctx, &key)
	return nil
}

// Stats reports a snapshot of this node's routing table, store, and
// connection pool state.
type Stats struct {
	Key         string
	Addr        string
	PeerCount   int
	Store       store.Stats
	Connections broker.Stats
	Uptime      time.Duration
}

func (n *Node) Stats(since time.Time) Stats {
	return Stats{
		Key:         n.self.Key.Hex(),
		Addr:        n.selfAddr,
		PeerCount:   n.table.Count(),
		Store:       n.valStore.Stats(),
		Connections: n.brk.Stats(),
		Uptime:      time.Since(since),
	}
}

// Stop tears the node's listener and background loops down.
func (n *Node) Stop() error {
	if n.terminated.Swap(true) {
		return nil
	}
	if n.cancel != nil {
		n.cancel()
	}
	var err error
	if n.listener != nil {
		err = n.listener.Close()
	}
	n.brk.Close()
	n.wg.Wait()
	return err
}

// Terminated reports whether Stop has been called.
func (n *Node) Terminated() bool { return n.terminated.Load() }
