package network

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"microauction/internal/crypto"
	"microauction/internal/debuglog"
	"microauction/internal/node"
	"microauction/internal/proto"
)

// Peer describes the remote side of an inbound request.
type Peer struct {
	Key  ed25519.PublicKey
	Addr net.Addr
}

// HandlerFunc serves one method. A nil error means the returned value is
// encoded as the success envelope; a non-nil error becomes a failure
// envelope whose code is chosen by ServerOptions.ErrorCode.
type HandlerFunc func(ctx context.Context, peer Peer, payload json.RawMessage) (any, error)

// Observer receives request and connection events, typically for metrics.
type Observer interface {
	RequestHandled(method, result string)
	ConnectionsChanged(n int)
}

type ServerOptions struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	// RequestRate is requests per second per remote IP; zero disables it.
	RequestRate    float64
	RequestBurst   int
	HandlerTimeout time.Duration
	ErrorCode      func(error) string
	Observer       Observer
}

type Server struct {
	id       node.Identity
	opts     ServerOptions
	handlers map[string]HandlerFunc
	conns    *ConnRegistry
	limiter  *ipLimiter
	rate     *requestLimiter
	log      *zap.SugaredLogger

	mu       sync.Mutex
	ln       *quic.Listener
	closed   bool
	inflight sync.WaitGroup
}

func NewServer(id node.Identity, opts ServerOptions) *Server {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = streamRWTimeout
	}
	s := &Server{
		id:       id,
		opts:     opts,
		handlers: make(map[string]HandlerFunc),
		conns:    NewConnRegistry(),
		limiter:  newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		rate:     newRequestLimiter(opts.RequestRate, opts.RequestBurst),
		log:      debuglog.Named("network"),
	}
	if opts.Observer != nil {
		s.conns.OnChange(opts.Observer.ConnectionsChanged)
	}
	return s
}

// Handle registers fn for method. Registration must happen before serving.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.handlers[method] = fn
}

func (s *Server) Conns() *ConnRegistry {
	return s.conns
}

// Addr is the bound listen address once ListenAndServe signalled ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe accepts connections until ctx ends or Close is called.
// ready is closed once the listener is bound.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready chan<- struct{}) error {
	tlsConf, err := serverTLSConfig(s.id)
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		s.log.Warnw("quic listen error", "addr", addr, "err", err)
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()
	s.log.Infow("quic listen ready", "addr", ln.Addr().String(), "key", s.id.PublicKeyHex())
	if ready != nil {
		close(ready)
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			s.log.Warnw("quic accept error", "err", err)
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *Server) serveConn(conn *quic.Conn) {
	ip := remoteIP(conn.RemoteAddr())
	if !s.limiter.acquireConn(ip) {
		debuglog.RateLimitedf("conncap:"+ip, time.Minute, "conn cap reached for %s", ip)
		_ = conn.CloseWithError(0, "too many connections")
		return
	}
	defer s.limiter.releaseConn(ip)

	peer := Peer{Key: peerKeyFromState(conn.ConnectionState().TLS), Addr: conn.RemoteAddr()}
	s.conns.Add(conn, ConnInfo{Remote: conn.RemoteAddr().String(), PeerKey: crypto.PublicKeyHex(peer.Key), Since: time.Now()})
	defer s.conns.Remove(conn)
	s.log.Debugw("accepted connection", "remote", conn.RemoteAddr().String())

	for {
		stream, err := conn.AcceptStream(conn.Context())
		if err != nil {
			return
		}
		if !s.limiter.acquireStream(ip) {
			stream.CancelRead(0)
			stream.CancelWrite(0)
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.limiter.releaseStream(ip)
			stream.CancelRead(0)
			stream.CancelWrite(0)
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.inflight.Done()
			defer s.limiter.releaseStream(ip)
			s.serveStream(stream, peer, ip)
		}()
	}
}

func (s *Server) serveStream(stream *quic.Stream, peer Peer, ip string) {
	_ = stream.SetDeadline(time.Now().Add(s.opts.HandlerTimeout + streamRWTimeout))
	req, err := proto.ReadRequest(stream)
	var resp any
	switch {
	case err == nil:
		resp = s.dispatch(peer, ip, req)
	case errors.Is(err, proto.ErrMalformedPayload):
		s.observe("invalid", proto.CodeMalformedPayload)
		resp = proto.Failure(proto.CodeMalformedPayload, err)
	default:
		debuglog.RateLimitedf("read:"+ip, time.Minute, "quic read error from %s: %v", ip, err)
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return
	}
	out, err := json.Marshal(resp)
	if err != nil {
		s.log.Errorw("encode response", "err", err)
		out, _ = json.Marshal(proto.Failure(proto.CodeInternal, errors.New("internal error")))
	}
	if err := proto.WriteFrame(stream, out); err != nil {
		s.log.Debugw("write response", "remote", ip, "err", err)
		stream.CancelWrite(0)
		return
	}
	_ = stream.Close()
}

func (s *Server) dispatch(peer Peer, ip string, req proto.Request) any {
	if !s.rate.allow(ip) {
		s.observe(req.Method, proto.CodeRateLimited)
		return proto.Failure(proto.CodeRateLimited, errors.New("rate limited"))
	}
	fn, ok := s.handlers[req.Method]
	if !ok {
		s.observe("unknown", proto.CodeUnknownMethod)
		return proto.Failure(proto.CodeUnknownMethod, fmt.Errorf("unknown method %q", req.Method))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandlerTimeout)
	defer cancel()
	out, err := s.call(ctx, fn, req.Method, peer, req.Payload)
	if err != nil {
		code := s.errorCode(err)
		s.observe(req.Method, code)
		return proto.Failure(code, err)
	}
	s.observe(req.Method, "ok")
	if out == nil {
		return proto.OK()
	}
	return out
}

func (s *Server) call(ctx context.Context, fn HandlerFunc, method string, peer Peer, payload json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("handler panic", "method", method, "panic", r)
			out, err = nil, errPanic
		}
	}()
	return fn(ctx, peer, payload)
}

var errPanic = errors.New("internal error")

func (s *Server) errorCode(err error) string {
	if errors.Is(err, proto.ErrMalformedPayload) {
		return proto.CodeMalformedPayload
	}
	if s.opts.ErrorCode != nil {
		if code := s.opts.ErrorCode(err); code != "" {
			return code
		}
	}
	return proto.CodeInternal
}

func (s *Server) observe(method, result string) {
	if s.opts.Observer != nil {
		s.opts.Observer.RequestHandled(method, result)
	}
}

// Close stops accepting, lets in-flight requests finish and then closes the
// remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.inflight.Wait()
	for _, c := range s.conns.snapshot() {
		_ = c.CloseWithError(0, "shutdown")
	}
	return err
}
