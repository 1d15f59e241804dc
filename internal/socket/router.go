package socket

import (
	"log"
	"net"
	"sync"

	"github.com/google/uuid"
)

// RouteID is an opaque client-route token assigned by the socket layer.
// A pending-table entry carries the route of the client that is owed a
// transaction's terminal response; beyond that it is never inspected.
type RouteID string

// Routed is one inbound message from a connected client, tagged with
// its route.
type Routed struct {
	Route RouteID
	// Frames is [idFrame, bodyFrame]: the transaction id travels as its
	// own frame (the router socket's correlation field), separate from
	// the command-line/JSON body that the wire package parses.
	Frames [][]byte
}

// RouterSocket is the external request socket: router-style, each
// incoming frame tagged with a client route, each outgoing frame
// addressed to a specific route. A TCP listener, one goroutine per
// accepted connection, and a mutex-guarded map from route to
// connection.
type RouterSocket struct {
	ln net.Listener

	mu    sync.RWMutex
	conns map[RouteID]*FrameConn

	inbox  chan Routed
	closed chan struct{}
	debug  bool
}

// Listen binds addr and returns a RouterSocket ready to Accept.
func Listen(addr string, debug bool) (*RouterSocket, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &RouterSocket{
		ln:     ln,
		conns:  make(map[RouteID]*FrameConn),
		inbox:  make(chan Routed, 256),
		closed: make(chan struct{}),
		debug:  debug,
	}, nil
}

func (s *RouterSocket) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until the listener is closed. Each
// connection is read in its own goroutine and registered under a fresh
// route id for the lifetime of the connection.
func (s *RouterSocket) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *RouterSocket) handleConn(netConn net.Conn) {
	route := RouteID(uuid.NewString())
	fc := NewFrameConn(netConn)

	s.mu.Lock()
	s.conns[route] = fc
	s.mu.Unlock()

	if s.debug {
		log.Printf("[RouterSocket] client %s connected", route)
	}

	defer func() {
		s.mu.Lock()
		delete(s.conns, route)
		s.mu.Unlock()
		fc.Close()
		if s.debug {
			log.Printf("[RouterSocket] client %s disconnected", route)
		}
	}()

	for {
		frames, err := fc.Recv()
		if err != nil {
			return
		}
		s.inbox <- Routed{Route: route, Frames: frames}
	}
}

// Recv returns the next inbound message from any connected client. The
// second return is false once the socket has been closed and no more
// messages will ever arrive.
func (s *RouterSocket) Recv() (Routed, bool) {
	select {
	case m := <-s.inbox:
		return m, true
	case <-s.closed:
		return Routed{}, false
	}
}

// Send addresses a single message to a specific client route. If the
// route is no longer connected, the message is silently dropped — the
// client has already given up.
func (s *RouterSocket) Send(route RouteID, frames ...[]byte) error {
	fc := s.lookup(route)
	if fc == nil {
		return nil
	}
	return fc.Send(frames...)
}

// SendAtomic delivers two or more messages to one client route without
// another Send interleaving between them — used for a descriptor and
// its trailing bulk frame.
func (s *RouterSocket) SendAtomic(route RouteID, msgs ...[][]byte) error {
	fc := s.lookup(route)
	if fc == nil {
		return nil
	}
	return fc.SendAtomic(msgs...)
}

func (s *RouterSocket) lookup(route RouteID) *FrameConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[route]
}

// Close stops accepting new connections and unblocks any Recv call.
// Existing connections are left to close naturally when their
// goroutines' Recv calls fail.
func (s *RouterSocket) Close() error {
	err := s.ln.Close()
	close(s.closed)
	return err
}
