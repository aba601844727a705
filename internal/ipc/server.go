package ipc

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/fuelrun/fuel/internal/corelog"
	"github.com/fuelrun/fuel/internal/snapshot"
)

// Handlers are the core dispatch table an IpcServer delegates requests to.
// Each handler returns a JSON-marshalable payload or an error.
type Handlers struct {
	Status   func(ctx context.Context) (interface{}, error)
	Pause    func(ctx context.Context) (interface{}, error)
	Resume   func(ctx context.Context) (interface{}, error)
	Shutdown func(ctx context.Context) (interface{}, error)
	Snapshot func(ctx context.Context) (interface{}, error)
	Browser  func(ctx context.Context, reqType string, payload json.RawMessage) (interface{}, error)
}

// subscriber is one connected client's broadcast channel. Buffer size 1:
// only the latest snapshot matters, so a pending send is replaced rather
// than queued.
type subscriber struct {
	ch       chan Envelope
	muted    bool
	dropped  int
}

// Server accepts connections on a unix stream socket, serves request/reply
// traffic per connection, and broadcasts snapshots to implicit subscribers.
type Server struct {
	instanceID string
	handlers   Handlers
	log        *corelog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	listener net.Listener
}

// New creates a Server bound to no listener yet; call Serve to start
// accepting connections at path.
func New(instanceID string, handlers Handlers, log *corelog.Logger) *Server {
	return &Server{
		instanceID: instanceID,
		handlers:   handlers,
		log:        log,
		subs:       make(map[*subscriber]struct{}),
	}
}

// Serve listens on the unix socket at path and blocks accepting
// connections until ctx is cancelled. Any pre-existing socket file at
// path is removed first (a crashed instance's stale socket).
func (s *Server) Serve(ctx context.Context, path string) error {
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn("ipc: accept failed", zap.Error(err))
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

// Broadcast pushes snap to every connected, unmuted subscriber. A
// subscriber whose channel is full has its pending snapshot dropped in
// favor of the newer one; the drop is counted and logged.
func (s *Server) Broadcast(snap snapshot.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("ipc: marshal snapshot for broadcast", zap.Error(err))
		return
	}
	env := Envelope{
		Type:       TypeSnapshot,
		Timestamp:  snap.GeneratedAt,
		InstanceID: s.instanceID,
		Payload:    payload,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.muted {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
			select {
			case sub.ch <- env:
			default:
			}
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sub := &subscriber{ch: make(chan Envelope, 1)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		if sub.dropped > 0 {
			s.log.Info("ipc: subscriber dropped snapshots before disconnect", zap.Int("dropped", sub.dropped))
		}
		s.mu.Unlock()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writes := make(chan Envelope, 8)
	go s.writeLoop(connCtx, conn, sub, writes)

	for {
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		reply := s.dispatch(connCtx, req, sub)
		select {
		case writes <- reply:
		case <-connCtx.Done():
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn net.Conn, sub *subscriber, writes chan Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-writes:
			if err := writeFrame(conn, env); err != nil {
				return
			}
		case env := <-sub.ch:
			if err := writeFrame(conn, env); err != nil {
				return
			}
		}
	}
}

// dispatch serializes request handling for this connection: the caller's
// read loop only issues the next readFrame after dispatch returns, which
// is what guarantees at-most-one in-flight request per connection.
// Separate connections run this concurrently and are not synchronized
// with each other.
func (s *Server) dispatch(ctx context.Context, req Envelope, sub *subscriber) Envelope {
	if req.Type == TypeMute {
		s.mu.Lock()
		sub.muted = true
		s.mu.Unlock()
		return okReply(s.instanceID, req.RequestID, map[string]bool{"muted": true})
	}

	var handler func(ctx context.Context) (interface{}, error)
	switch req.Type {
	case TypeStatus:
		handler = s.handlers.Status
	case TypePause:
		handler = s.handlers.Pause
	case TypeResume:
		handler = s.handlers.Resume
	case TypeShutdown:
		handler = s.handlers.Shutdown
	case TypeSnapshot:
		handler = s.handlers.Snapshot
	default:
		if isBrowserType(req.Type) && s.handlers.Browser != nil {
			payload, err := s.handlers.Browser(ctx, string(req.Type), req.Payload)
			if err != nil {
				return errorReply(s.instanceID, req.RequestID, "browser_error", err.Error())
			}
			return okReply(s.instanceID, req.RequestID, payload)
		}
		return errorReply(s.instanceID, req.RequestID, "unknown_type", "unrecognized request type: "+string(req.Type))
	}

	if handler == nil {
		return errorReply(s.instanceID, req.RequestID, "unsupported", "handler not wired for type: "+string(req.Type))
	}
	payload, err := handler(ctx)
	if err != nil {
		return errorReply(s.instanceID, req.RequestID, "handler_error", err.Error())
	}
	return okReply(s.instanceID, req.RequestID, payload)
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
