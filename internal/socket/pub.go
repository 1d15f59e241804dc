package socket

import (
	"bytes"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"
)

// PubSocket is the external publish socket: publish-style with
// server-side topic filtering, where the topic is the leading
// whitespace-delimited token of the frame. Subscribers connect and send
// a subscribe frame naming a topic prefix (an empty prefix subscribes
// to everything). Broadcast topics are dotted names
// ("<store>.<ELEMENT>"), so filtering is by prefix rather than by exact
// topic match.
type PubSocket struct {
	ln net.Listener

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	debug bool
}

type subscriber struct {
	fc     *FrameConn
	prefix string
}

// ListenPub binds addr for subscriber connections.
func ListenPub(addr string, debug bool) (*PubSocket, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &PubSocket{
		ln:          ln,
		subscribers: make(map[string]*subscriber),
		debug:       debug,
	}, nil
}

func (s *PubSocket) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts subscriber connections until the listener is closed.
// Each subscriber's first message is its subscribe frame (the topic
// prefix to filter on); afterwards the connection is write-only from
// the proxy's perspective.
func (s *PubSocket) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleSubscriber(conn)
	}
}

func (s *PubSocket) handleSubscriber(netConn net.Conn) {
	fc := NewFrameConn(netConn)
	frames, err := fc.Recv()
	if err != nil || len(frames) == 0 {
		fc.Close()
		return
	}
	prefix := string(frames[0])

	id := uuid.NewString()
	sub := &subscriber{fc: fc, prefix: prefix}
	s.mu.Lock()
	s.subscribers[id] = sub
	s.mu.Unlock()

	if s.debug {
		log.Printf("[PubSocket] subscriber %s filtering on %q", id, prefix)
	}

	// Block until the subscriber disconnects so it can be removed from
	// the fan-out list; subscribers never send anything else.
	for {
		if _, err := fc.Recv(); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.subscribers, id)
	s.mu.Unlock()
	fc.Close()
}

// Broadcast forwards frame byte-exact to every subscriber whose prefix
// matches the frame's leading topic token. No parsing beyond finding
// that leading token; filtering by topic prefix is the only decision
// made here.
func (s *PubSocket) Broadcast(frame []byte) {
	topic := leadingToken(frame)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		if sub.prefix != "" && !bytes.HasPrefix([]byte(topic), []byte(sub.prefix)) {
			continue
		}
		if err := sub.fc.Send(frame); err != nil && s.debug {
			log.Printf("[PubSocket] send error: %v", err)
		}
	}
}

func leadingToken(frame []byte) string {
	i := bytes.IndexByte(frame, ' ')
	if i < 0 {
		return string(frame)
	}
	return string(frame[:i])
}

func (s *PubSocket) Close() error {
	return s.ln.Close()
}
