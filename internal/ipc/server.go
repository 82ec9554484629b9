package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"

	"github.com/tradesys/botkeeper/pkg/logger"
	"github.com/tradesys/botkeeper/pkg/ratelimit"
	"github.com/tradesys/botkeeper/pkg/sigchan"
)

const (
	defaultMaxConns = 64
	defaultBurst    = 200
	defaultPerSec   = 100

	maxLineBytes = 1 << 20
)

// Server is the line-JSON data channel. Handlers run on a bounded worker
// pool; the shared map is concurrency-safe so interleaved set_data calls from
// multiple connections cannot corrupt it.
type Server struct {
	// Port to bind on localhost. 0 picks a free port (tests).
	Port int
	// MaxConns bounds the concurrently served connections. Default 64.
	MaxConns int
	// Burst and PerSec shape the per-connection request limiter.
	Burst  int
	PerSec int

	// Writes signals after every remote set_data, so the hosting bot can
	// react to operator writes without polling the map.
	Writes *sigchan.Chan

	data cmap.ConcurrentMap[string, any]
	pool *ants.Pool

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	started bool

	wg sync.WaitGroup
}

func NewServer(port int) *Server {
	return &Server{
		Port:   port,
		Writes: sigchan.New(1),
		data:   cmap.New[any](),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds localhost and begins accepting. Non-blocking.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("ipc: server already started")
	}

	maxConns := s.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	pool, err := ants.NewPool(maxConns)
	if err != nil {
		return fmt.Errorf("ipc: worker pool: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port))
	if err != nil {
		pool.Release()
		return fmt.Errorf("ipc: listen: %w", err)
	}

	s.pool = pool
	s.ln = ln
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	logger.Infof("ipc server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every live connection, then waits for the
// handlers to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	ln := s.ln
	s.ln = nil
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	if s.pool != nil {
		s.pool.Release()
	}
	logger.Infof("ipc server stopped")
}

// Set upserts one entry in the shared map.
func (s *Server) Set(key string, value any) {
	s.data.Set(key, value)
}

// Get reads one entry from the shared map.
func (s *Server) Get(key string) (any, bool) {
	return s.data.Get(key)
}

// Update merges a whole map of entries at once.
func (s *Server) Update(m map[string]any) {
	for k, v := range m {
		s.data.Set(k, v)
	}
}

// Snapshot copies the current map.
func (s *Server) Snapshot() map[string]any {
	return s.data.Items()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := !s.started
			s.mu.Unlock()
			if stopped {
				return
			}
			logger.Warnf("ipc accept: %v", err)
			continue
		}

		s.mu.Lock()
		if !s.started {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		if err := s.pool.Submit(func() { s.handleConn(conn) }); err != nil {
			s.wg.Done()
			s.dropConn(conn)
			logger.Warnf("ipc: connection rejected: %v", err)
		}
	}
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.dropConn(conn)

	burst := s.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	perSec := s.PerSec
	if perSec <= 0 {
		perSec = defaultPerSec
	}
	limiter := ratelimit.NewTokenBucket(burst, perSec, time.Second)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if !limiter.Allow() {
			s.reply(conn, Response{Status: StatusError, Message: "rate limited"})
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			// malformed input gets an error frame and the connection keeps going
			logger.Warnf("ipc: malformed JSON from %s: %v", conn.RemoteAddr(), err)
			s.reply(conn, Response{Status: StatusError, Message: "invalid JSON"})
			continue
		}
		s.reply(conn, s.process(req))
	}
	if err := scanner.Err(); err != nil {
		logger.Debugf("ipc: connection %s closed: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) process(req Request) Response {
	switch req.Action {
	case ActionGetData:
		return Response{Status: StatusSuccess, Data: s.data.Items()}
	case ActionSetData:
		if req.Key == "" {
			return Response{Status: StatusError, Message: "set_data requires a key"}
		}
		s.data.Set(req.Key, req.Value)
		s.Writes.Emit()
		return Response{Status: StatusSuccess, Message: fmt.Sprintf("data %s updated", req.Key)}
	case ActionPing:
		return Response{Status: StatusSuccess, Message: "pong"}
	default:
		return Response{Status: StatusError, Message: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

func (s *Server) reply(conn net.Conn, resp Response) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	// Encode appends the newline that frames our responses
	if err := json.NewEncoder(bb).Encode(resp); err != nil {
		logger.Warnf("ipc: encode response: %v", err)
		return
	}
	if _, err := conn.Write(bb.B); err != nil {
		logger.Debugf("ipc: write to %s: %v", conn.RemoteAddr(), err)
	}
}
