// Package session multiplexes request/response RPC traffic over a
// single TCP connection to one peer: one goroutine drains the
// connection and dispatches each frame by message shape.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kenkendk/slimdht/wire"
)

// Handler serves an inbound request and produces the response to send
// back. Implemented by the remote handler component.
type Handler interface {
	Handle(ctx context.Context, req *wire.Request) *wire.Response
}

// Config bounds a session's outbound concurrency.
type Config struct {
	MaxInFlight int64 // P: outbound requests in flight at once
}

// Session owns one peer connection. Outbound calls are multiplexed by
// RequestID; inbound requests are dispatched to Handler and the reply
// written back on the same connection.
type Session struct {
	conn    net.Conn
	handler Handler
	sem     *semaphore.Weighted
	log     *logrus.Entry

	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan *wire.Response
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	// RemoteKey is set once the peer's identity has been learned from
	// a response it sent us. Nil until then.
	remoteKeyMu sync.Mutex
	remoteKey   *remoteIdentity

	// OnIdentified fires the first time RemoteKey becomes known.
	OnIdentified func(wire.PeerInfo)
	// OnPeers fires whenever an inbound response carries a non-empty
	// peer list, so the routing table can learn them regardless of
	// which operation produced the response.
	OnPeers func([]wire.PeerInfo)
	// OnClosed fires once, when the session's connection is lost.
	OnClosed func(error)
}

type remoteIdentity struct {
	info wire.PeerInfo
}

// New wraps conn in a Session. Serve must be called to start reading.
func New(conn net.Conn, cfg Config, handler Handler, log *logrus.Entry) *Session {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Session{
		conn:    conn,
		handler: handler,
		sem:     semaphore.NewWeighted(maxInFlight),
		log:     log,
		pending: make(map[uint64]chan *wire.Response),
		closed:  make(chan struct{}),
	}
}

// RemoteAddr returns the underlying connection's remote address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// RemoteKey returns the peer's identity, if learned yet.
func (s *Session) RemoteKey() (wire.PeerInfo, bool) {
	s.remoteKeyMu.Lock()
	defer s.remoteKeyMu.Unlock()
	if s.remoteKey == nil {
		return wire.PeerInfo{}, false
	}
	return s.remoteKey.info, true
}

// Call sends req and waits for its matching response, bounded by the
// session's P in-flight outbound requests.
func (s *Session) Call(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("session: acquire slot: %w", err)
	}
	defer s.sem.Release(1)

	req.ID = atomic.AddUint64(&s.nextID, 1)
	ch := make(chan *wire.Response, 1)
	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	if err := s.writeFrame(wire.EncodeRequest(req)); err != nil {
		return nil, fmt.Errorf("session: send request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-s.closed:
		return nil, s.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeFrame serializes writers on the connection. A write failure is
// a transport error: it fails every outstanding call and terminates
// the session, same as a failed read.
func (s *Session) writeFrame(payload []byte) error {
	s.writeMu.Lock()
	err := wire.WriteFrame(s.conn, payload)
	s.writeMu.Unlock()
	if err != nil {
		s.fail(fmt.Errorf("session: write frame: %w", err))
		s.conn.Close()
	}
	return err
}

// Serve reads frames until the connection fails or ctx is done,
// dispatching inbound requests to Handler and routing inbound
// responses to their waiting Call.
func (s *Session) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	for {
		payload, err := wire.ReadFrame(s.conn)
		if err != nil {
			s.fail(fmt.Errorf("session: read frame: %w", err))
			return err
		}
		req, resp, err := wire.Decode(payload)
		if err != nil {
			s.log.WithError(err).Warn("discarding malformed frame")
			continue
		}
		if req != nil {
			go s.serveRequest(ctx, req)
			continue
		}
		s.deliverResponse(resp)
	}
}

func (s *Session) serveRequest(ctx context.Context, req *wire.Request) {
	resp := s.handler.Handle(ctx, req)
	resp.ID = req.ID
	if err := s.writeFrame(wire.EncodeResponse(resp)); err != nil {
		s.log.WithError(err).Warn("failed to write response")
	}
}

func (s *Session) deliverResponse(resp *wire.Response) {
	s.learnIdentity(resp.Sender)
	if len(resp.Peers) > 0 && s.OnPeers != nil {
		s.OnPeers(resp.Peers)
	}
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (s *Session) learnIdentity(info wire.PeerInfo) {
	if info.Key.IsZero() {
		return
	}
	s.remoteKeyMu.Lock()
	known := s.remoteKey != nil
	if !known {
		s.remoteKey = &remoteIdentity{info: info}
	}
	s.remoteKeyMu.Unlock()
	if !known && s.OnIdentified != nil {
		s.OnIdentified(info)
	}
}

// Close shuts the session down, failing any in-flight calls.
func (s *Session) Close() error {
	s.fail(fmt.Errorf("session: closed"))
	return s.conn.Close()
}

func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
		if s.OnClosed != nil {
			s.OnClosed(err)
		}
	})
}
