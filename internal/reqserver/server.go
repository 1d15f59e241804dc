// Package reqserver implements the external request server: it owns
// the external request socket, classifies each inbound frame by kind,
// answers ID and CONFIG locally from the configuration cache, and
// hands READ/WRITE off to the owning store's request relay.
package reqserver

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/tenzoki/potproxy/internal/cfgcache"
	"github.com/tenzoki/potproxy/internal/idgen"
	"github.com/tenzoki/potproxy/internal/socket"
	"github.com/tenzoki/potproxy/internal/wire"
	"github.com/tenzoki/potproxy/internal/wireerr"
)

// StoreRelay is the subset of *reqrelay.Relay the server needs. Kept as
// an interface so tests can stub it without spinning up a real worker.
type StoreRelay interface {
	ExternalRequest(route socket.RouteID, req *wire.Request) error
}

// Server dispatches external requests across the configured stores.
type Server struct {
	router *socket.RouterSocket
	cfg    *cfgcache.Cache
	stores map[string]StoreRelay

	ids   *idgen.Allocator
	debug bool
}

func New(router *socket.RouterSocket, cfg *cfgcache.Cache, stores map[string]StoreRelay, debug bool) *Server {
	return &Server{
		router: router,
		cfg:    cfg,
		stores: stores,
		ids:    idgen.New(),
		debug:  debug,
	}
}

// Serve processes inbound frames until the router socket is closed.
func (s *Server) Serve() {
	for {
		routed, ok := s.router.Recv()
		if !ok {
			return
		}
		go s.handle(routed)
	}
}

func (s *Server) handle(routed socket.Routed) {
	if len(routed.Frames) < 2 {
		if s.debug {
			log.Printf("[reqserver] dropping malformed message with %d frames", len(routed.Frames))
		}
		return
	}
	rawID := string(routed.Frames[0])
	body := routed.Frames[1]

	req, err := wire.ParseClientFrame(body)
	id := rawID
	if !wire.ValidID(id) {
		id = s.ids.NextHex()
	}

	if err != nil {
		s.replyError(routed.Route, id, err)
		return
	}
	if req.ID == "" {
		req.ID = id
	}

	switch req.Kind {
	case wire.KindRead, wire.KindWrite:
		s.dispatchToStore(routed.Route, req)
	case wire.KindID, wire.KindHash:
		s.sendAck(routed.Route, req.ID)
		s.answerID(routed.Route, req)
	case wire.KindConfig:
		s.sendAck(routed.Route, req.ID)
		s.answerConfig(routed.Route, req)
	default:
		s.sendAck(routed.Route, req.ID)
		s.reply(routed.Route, req.ID, wireerr.ValueErrorf("unhandled request type: %s", req.Kind), nil, "")
	}
}

// sendAck emits the immediate ACK every request kind gets except
// READ/WRITE, whose ACK is forwarded from the worker through the
// store's request relay instead.
func (s *Server) sendAck(route socket.RouteID, id string) {
	ack, err := wire.NewResponse(wire.MsgACK, id)
	if err != nil {
		if s.debug {
			log.Printf("[reqserver] cannot build ack: %v", err)
		}
		return
	}
	encoded, err := ack.Encode()
	if err != nil {
		if s.debug {
			log.Printf("[reqserver] cannot encode ack: %v", err)
		}
		return
	}
	if err := s.router.Send(route, encoded); err != nil && s.debug {
		log.Printf("[reqserver] ack send failed: %v", err)
	}
}

func (s *Server) dispatchToStore(route socket.RouteID, req *wire.Request) {
	store, _, ok := splitStore(req.Name)
	if !ok {
		s.reply(route, req.ID, wireerr.KeyErrorf("no local store for %q", req.Name), nil, "")
		return
	}
	relay, ok := s.stores[store]
	if !ok {
		s.reply(route, req.ID, wireerr.KeyErrorf("no local store for %q", store), nil, "")
		return
	}
	if err := relay.ExternalRequest(route, req); err != nil {
		s.reply(route, req.ID, wireerr.RuntimeErrorf("%v", err), nil, "")
	}
	// On success C5 forwards the worker's own ACK and REP; C6 sends nothing more.
}

func (s *Server) answerID(route socket.RouteID, req *wire.Request) {
	entries := s.cfg.AllIDs(req.Name)
	data, err := json.Marshal(entries)
	if err != nil {
		s.reply(route, req.ID, wireerr.RuntimeErrorf("failed to encode store list: %v", err), nil, "")
		return
	}
	s.reply(route, req.ID, nil, data, "")
}

func (s *Server) answerConfig(route socket.RouteID, req *wire.Request) {
	block, ok := s.cfg.Get(req.Name)
	if !ok {
		s.reply(route, req.ID, wireerr.KeyErrorf("no local configuration for %q", req.Name), nil, "")
		return
	}
	s.reply(route, req.ID, nil, block.Raw, block.Name)
}

func (s *Server) reply(route socket.RouteID, id string, werr *wireerr.Error, data json.RawMessage, name string) {
	resp, err := wire.NewResponse(wire.MsgREP, id)
	if err != nil {
		if s.debug {
			log.Printf("[reqserver] cannot build response: %v", err)
		}
		return
	}
	resp.Name = name
	resp.Data = data
	resp.Error = werr
	encoded, err := resp.Encode()
	if err != nil {
		if s.debug {
			log.Printf("[reqserver] cannot encode response: %v", err)
		}
		return
	}
	if err := s.router.Send(route, encoded); err != nil && s.debug {
		log.Printf("[reqserver] send failed: %v", err)
	}
}

func (s *Server) replyError(route socket.RouteID, id string, err error) {
	bf, ok := err.(*wire.BadFrame)
	if !ok {
		s.reply(route, id, wireerr.ValueErrorf("%v", err), nil, "")
		return
	}
	s.reply(route, id, wireerr.New(bf.ErrType, bf.Reason), nil, "")
}

// splitStore returns the leading dotted segment of a fullname
// ("kpfguide" from "kpfguide.DISP2MSG"), or ok=false if name has no dot.
func splitStore(name string) (store, rest string, ok bool) {
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
