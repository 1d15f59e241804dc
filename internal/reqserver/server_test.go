package reqserver

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tenzoki/potproxy/internal/cfgcache"
	"github.com/tenzoki/potproxy/internal/socket"
	"github.com/tenzoki/potproxy/internal/wire"
)

type relayCall struct {
	route socket.RouteID
	req   *wire.Request
}

type fakeRelay struct {
	mu    sync.Mutex
	calls []relayCall
	err   error
}

func (f *fakeRelay) ExternalRequest(route socket.RouteID, req *wire.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, relayCall{route: route, req: req})
	return f.err
}

func (f *fakeRelay) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRelay) snapshot() []relayCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relayCall(nil), f.calls...)
}

func dialClient(t *testing.T, addr string) *socket.FrameConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return socket.NewFrameConn(conn)
}

func newTestServer(t *testing.T, stores map[string]StoreRelay, cfg *cfgcache.Cache) (*Server, *socket.FrameConn) {
	t.Helper()
	router, err := socket.Listen("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { router.Close() })
	go router.Serve()

	if cfg == nil {
		cfg = cfgcache.New()
	}
	srv := New(router, cfg, stores, false)
	go srv.Serve()

	fc := dialClient(t, router.Addr().String())
	t.Cleanup(func() { fc.Close() })
	return srv, fc
}

func recvResponse(t *testing.T, fc *socket.FrameConn) *wire.Response {
	t.Helper()
	frames, err := fc.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	resp, err := wire.DecodeResponse(frames[0])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

// recvAckThenResponse reads the immediate ACK every non-READ/WRITE
// request kind gets, asserts its id, then returns the REP that follows.
func recvAckThenResponse(t *testing.T, fc *socket.FrameConn, wantID string) *wire.Response {
	t.Helper()
	ack := recvResponse(t, fc)
	if ack.Message != wire.MsgACK {
		t.Fatalf("expected ACK first, got message %q", ack.Message)
	}
	if wantID != "" && ack.ID != wantID {
		t.Fatalf("expected ack id %s, got %s", wantID, ack.ID)
	}
	return recvResponse(t, fc)
}

func TestReadDispatchesToStore(t *testing.T) {
	relay := &fakeRelay{}
	_, fc := newTestServer(t, map[string]StoreRelay{"kpfguide": relay}, nil)

	if err := fc.Send([]byte("0000000a"), []byte("READ kpfguide.DISP2MSG")); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for relay.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	calls := relay.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected ExternalRequest to be called once, got %d", len(calls))
	}
	if calls[0].req.ID != "0000000a" {
		t.Fatalf("expected client id preserved, got %s", calls[0].req.ID)
	}
}

// TestReadDispatchRouteIsolationWithCollidingIDs checks that C6 tags
// each dispatched request with the route of the connection that sent
// it, even when two different clients choose the same transaction id.
func TestReadDispatchRouteIsolationWithCollidingIDs(t *testing.T) {
	relay := &fakeRelay{}
	srv, fcA := newTestServer(t, map[string]StoreRelay{"kpfguide": relay}, nil)
	fcB := dialClient(t, srv.router.Addr().String())
	t.Cleanup(func() { fcB.Close() })

	if err := fcA.Send([]byte("0000000a"), []byte("READ kpfguide.ALPHA")); err != nil {
		t.Fatalf("send A: %v", err)
	}
	if err := fcB.Send([]byte("0000000a"), []byte("READ kpfguide.BETA")); err != nil {
		t.Fatalf("send B: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for relay.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	calls := relay.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected ExternalRequest to be called twice, got %d", len(calls))
	}

	var alpha, beta *relayCall
	for i := range calls {
		switch calls[i].req.Name {
		case "kpfguide.ALPHA":
			alpha = &calls[i]
		case "kpfguide.BETA":
			beta = &calls[i]
		}
	}
	if alpha == nil || beta == nil {
		t.Fatalf("expected one call per request, got %+v", calls)
	}
	if alpha.req.ID != "0000000a" || beta.req.ID != "0000000a" {
		t.Fatalf("expected both colliding ids preserved, got alpha=%s beta=%s", alpha.req.ID, beta.req.ID)
	}
	if alpha.route == beta.route {
		t.Fatalf("expected distinct routes for distinct client connections, got the same route for both")
	}
}

func TestReadUnknownStoreRespondsKeyError(t *testing.T) {
	_, fc := newTestServer(t, map[string]StoreRelay{}, nil)

	if err := fc.Send([]byte("0000000a"), []byte("READ nosuch.ELEMENT")); err != nil {
		t.Fatalf("send: %v", err)
	}

	resp := recvResponse(t, fc)
	if resp.Error == nil || resp.Error.ErrType != "KeyError" {
		t.Fatalf("expected KeyError, got %+v", resp.Error)
	}
}

func TestIDAllReturnsConfiguredStores(t *testing.T) {
	cfg := cfgcache.New()
	cfg.Set("kpfguide", &cfgcache.Block{Name: "kpfguide", ID: "0000002a"})
	_, fc := newTestServer(t, map[string]StoreRelay{}, cfg)

	if err := fc.Send([]byte("0000000a"), []byte("ID")); err != nil {
		t.Fatalf("send: %v", err)
	}

	resp := recvAckThenResponse(t, fc, "0000000a")
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.ID != "0000000a" {
		t.Fatalf("expected id round-trip, got %s", resp.ID)
	}
	var entries []cfgcache.IDEntry
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		t.Fatalf("decode store list: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "kpfguide" || entries[0].ID != "0000002a" {
		t.Fatalf("expected one entry for kpfguide with id 0000002a, got %+v", entries)
	}
}

func TestConfigMissingStoreRespondsKeyError(t *testing.T) {
	_, fc := newTestServer(t, map[string]StoreRelay{}, nil)

	if err := fc.Send([]byte("0000000a"), []byte("CONFIG nosuch")); err != nil {
		t.Fatalf("send: %v", err)
	}

	resp := recvAckThenResponse(t, fc, "0000000a")
	if resp.Error == nil || resp.Error.ErrType != "KeyError" {
		t.Fatalf("expected KeyError, got %+v", resp.Error)
	}
}

func TestUnhandledKindRespondsValueError(t *testing.T) {
	_, fc := newTestServer(t, map[string]StoreRelay{}, nil)

	if err := fc.Send([]byte("0000000a"), []byte("FROBNICATE foo")); err != nil {
		t.Fatalf("send: %v", err)
	}

	resp := recvAckThenResponse(t, fc, "0000000a")
	if resp.Error == nil || resp.Error.ErrType != "ValueError" {
		t.Fatalf("expected ValueError, got %+v", resp.Error)
	}
}

func TestMissingIDIsGenerated(t *testing.T) {
	_, fc := newTestServer(t, map[string]StoreRelay{}, nil)

	if err := fc.Send([]byte(""), []byte("CONFIG nosuch")); err != nil {
		t.Fatalf("send: %v", err)
	}

	ack := recvResponse(t, fc)
	if ack.Message != wire.MsgACK || !wire.ValidID(ack.ID) {
		t.Fatalf("expected a generated 8-hex ack id, got %q (message %q)", ack.ID, ack.Message)
	}
	resp := recvResponse(t, fc)
	if resp.ID != ack.ID {
		t.Fatalf("expected rep id to match the generated ack id, got ack=%s rep=%s", ack.ID, resp.ID)
	}
}
