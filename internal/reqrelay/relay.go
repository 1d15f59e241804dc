// Package reqrelay implements the per-worker request multiplexer: it
// rewrites outbound transaction ids so that requests from different
// clients never collide in this worker's pending table, restores the client's original
// id on the way back, and dispatches each worker response to whichever
// caller — an external client route or a blocked internal caller — is
// waiting on it.
package reqrelay

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/tenzoki/potproxy/internal/idgen"
	"github.com/tenzoki/potproxy/internal/pending"
	"github.com/tenzoki/potproxy/internal/socket"
	"github.com/tenzoki/potproxy/internal/wire"
)

// Relay multiplexes one worker's request socket across many concurrent
// callers. One Relay belongs to exactly one store's supervisor.
type Relay struct {
	store  string
	worker *socket.WorkerReqSocket
	router *socket.RouterSocket

	ids     *idgen.Allocator
	pending *pending.Table

	debug bool
}

func New(store string, worker *socket.WorkerReqSocket, router *socket.RouterSocket, debug bool) *Relay {
	return &Relay{
		store:   store,
		worker:  worker,
		router:  router,
		ids:     idgen.New(),
		pending: pending.New(),
		debug:   debug,
	}
}

// Pending exposes the relay's pending table, e.g. for leak checks in
// tests.
func (r *Relay) Pending() *pending.Table { return r.pending }

// ExternalRequest forwards a client's READ/WRITE to the worker,
// remapping its id into this relay's internal id space and recording
// where the eventual response must be delivered.
func (r *Relay) ExternalRequest(route socket.RouteID, req *wire.Request) error {
	originalID := req.ID
	entry := &pending.Entry{
		Kind:        pending.External,
		ClientRoute: []byte(route),
		OriginalID:  originalID,
	}
	usedID := r.pending.Insert(r.ids.Next(), entry)
	req.ID = idgen.Hex(usedID)

	body, err := wire.EncodeWorkerRequest(req)
	if err != nil {
		r.pending.Remove(usedID)
		return fmt.Errorf("reqrelay: encode worker request: %w", err)
	}
	if err := r.worker.Send(body); err != nil {
		r.pending.Remove(usedID)
		return fmt.Errorf("reqrelay: send to worker: %w", err)
	}
	return nil
}

// InternalRequest issues a request on the relay's own behalf (the
// supervisor's startup CONFIG fetch) and blocks until the terminal REP
// arrives. There is no timeout and no cancellation: if the worker never
// sends the terminal REP, this call never returns.
func (r *Relay) InternalRequest(req *wire.Request) (map[string]interface{}, error) {
	done := make(chan struct{})
	entry := &pending.Entry{Kind: pending.Internal, Done: done}
	usedID := r.pending.Insert(r.ids.Next(), entry)
	req.ID = idgen.Hex(usedID)

	body, err := wire.EncodeWorkerRequest(req)
	if err != nil {
		r.pending.Remove(usedID)
		return nil, fmt.Errorf("reqrelay: encode worker request: %w", err)
	}
	if err := r.worker.Send(body); err != nil {
		r.pending.Remove(usedID)
		return nil, fmt.Errorf("reqrelay: send to worker: %w", err)
	}

	<-done
	return entry.Result, entry.Err
}

// Run is the background dispatcher: it reads frames from the worker
// request socket until the worker disconnects, then returns so the
// supervisor can respawn and reattach it. Intended to run in its own
// goroutine for the lifetime of one worker instance.
func (r *Relay) Run() error {
	for {
		frame, err := r.worker.Recv()
		if err != nil {
			return err
		}
		if len(frame) == 0 {
			continue
		}
		r.handleFrame(frame)
	}
}

func (r *Relay) handleFrame(frame []byte) {
	if frame[0] == '{' {
		r.handleResponse(frame)
		return
	}
	bf, err := wire.DecodeBulkFrame(frame)
	if err != nil {
		if r.debug {
			log.Printf("[reqrelay %s] dropping unparseable frame: %v", r.store, err)
		}
		return
	}
	r.handleBulk(bf)
}

func (r *Relay) handleResponse(frame []byte) {
	resp, err := wire.DecodeResponse(frame)
	if err != nil {
		if r.debug {
			log.Printf("[reqrelay %s] dropping malformed response: %v", r.store, err)
		}
		return
	}
	id, err := parseHex(resp.ID)
	if err != nil {
		if r.debug {
			log.Printf("[reqrelay %s] dropping response with bad id %q", r.store, resp.ID)
		}
		return
	}
	entry, ok := r.pending.Lookup(id)
	if !ok {
		if r.debug {
			log.Printf("[reqrelay %s] no pending entry for id %s, dropping", r.store, resp.ID)
		}
		return
	}

	if entry.Kind == pending.Internal {
		r.completeInternal(id, entry, resp, frame)
		return
	}
	r.forwardExternal(id, entry, resp)
}

func (r *Relay) completeInternal(id uint32, entry *pending.Entry, resp *wire.Response, frame []byte) {
	if resp.Message == wire.MsgACK {
		return // internal callers do not consume ACKs
	}
	var result map[string]interface{}
	if err := json.Unmarshal(frame, &result); err != nil {
		entry.Err = fmt.Errorf("reqrelay: malformed internal response: %w", err)
	} else {
		entry.Result = result
		if resp.Error != nil {
			entry.Err = resp.Error
		}
	}
	r.pending.Remove(id)
	close(entry.Done)
}

func (r *Relay) forwardExternal(id uint32, entry *pending.Entry, resp *wire.Response) {
	route := socket.RouteID(entry.ClientRoute)
	resp.ID = entry.OriginalID
	encoded, err := resp.Encode()
	if err != nil {
		if r.debug {
			log.Printf("[reqrelay %s] failed to re-encode response for %s: %v", r.store, entry.OriginalID, err)
		}
		r.pending.Remove(id)
		return
	}

	switch resp.Message {
	case wire.MsgREPBulk:
		// Hold the descriptor until the trailing bulk frame arrives so
		// both reach the client as one atomic pair.
		entry.PendingDescriptor = encoded
	default:
		if err := r.router.Send(route, encoded); err != nil && r.debug {
			log.Printf("[reqrelay %s] send to route failed: %v", r.store, err)
		}
		if resp.Message != wire.MsgACK {
			r.pending.Remove(id)
		}
	}
}

func (r *Relay) handleBulk(bf *wire.BulkFrame) {
	id, err := parseHex(bf.ID)
	if err != nil {
		if r.debug {
			log.Printf("[reqrelay %s] dropping bulk frame with bad id %q", r.store, bf.ID)
		}
		return
	}
	entry, ok := r.pending.Lookup(id)
	if !ok || entry.Kind != pending.External || entry.PendingDescriptor == nil {
		if r.debug {
			log.Printf("[reqrelay %s] dropping bulk frame with no awaiting descriptor for id %s", r.store, bf.ID)
		}
		return
	}

	route := socket.RouteID(entry.ClientRoute)
	outBulk := wire.EncodeBulkFrame(bf.Topic, entry.OriginalID, bf.Payload)
	err = r.router.SendAtomic(route, [][]byte{entry.PendingDescriptor}, [][]byte{outBulk})
	if err != nil && r.debug {
		log.Printf("[reqrelay %s] atomic bulk send failed: %v", r.store, err)
	}
	r.pending.Remove(id)
}

func parseHex(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
