// Package supervisor spawns and watches one store's backend worker
// process: it owns the worker's ephemeral socket directory, its
// request and publish relays, and the restart loop that respawns the
// worker whenever it exits.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tenzoki/potproxy/internal/cfgcache"
	"github.com/tenzoki/potproxy/internal/pubrelay"
	"github.com/tenzoki/potproxy/internal/reqrelay"
	"github.com/tenzoki/potproxy/internal/socket"
	"github.com/tenzoki/potproxy/internal/wire"
)

// Supervisor owns one store's worker process and its two relays.
type Supervisor struct {
	store        string
	binary       string
	extraArgs    []string
	restartDelay time.Duration
	debug        bool

	cfg *cfgcache.Cache

	relay    *reqrelay.Relay
	pub      *pubrelay.Relay
	reqSock  *socket.WorkerReqSocket
	pubSock  *socket.WorkerPubSocket
	endptDir string
}

// New binds the store's ephemeral endpoint directory and constructs
// its relays, but does not yet spawn the worker process; call Run to
// start the spawn/supervise loop.
func New(store, binary string, extraArgs []string, restartDelay time.Duration, cfg *cfgcache.Cache, router *socket.RouterSocket, extPub *socket.PubSocket, debug bool) (*Supervisor, error) {
	dir, err := os.MkdirTemp("", "potproxy-"+store+"-")
	if err != nil {
		return nil, fmt.Errorf("supervisor %s: create endpoint directory: %w", store, err)
	}

	reqSock, err := socket.ListenWorkerReq(filepath.Join(dir, "req.sock"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("supervisor %s: bind request endpoint: %w", store, err)
	}
	pubSock, err := socket.ListenWorkerPub(filepath.Join(dir, "pub.sock"))
	if err != nil {
		reqSock.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("supervisor %s: bind publish endpoint: %w", store, err)
	}

	return &Supervisor{
		store:        store,
		binary:       binary,
		extraArgs:    extraArgs,
		restartDelay: restartDelay,
		debug:        debug,
		cfg:          cfg,
		relay:        reqrelay.New(store, reqSock, router, debug),
		pub:          pubrelay.New(store, pubSock, extPub, debug),
		reqSock:      reqSock,
		pubSock:      pubSock,
		endptDir:     dir,
	}, nil
}

// Relay returns the store's request relay, for wiring into the
// request server's store table.
func (s *Supervisor) Relay() *reqrelay.Relay { return s.relay }

// Run spawns the worker, supervises it until ctx is cancelled,
// respawning after every exit with a fixed delay, and then releases
// the ephemeral endpoint directory. It does not return until shutdown.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.cleanup()

	for ctx.Err() == nil {
		s.runOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) {
	args := append([]string{s.reqSock.Addr(), s.pubSock.Addr(), s.store}, s.extraArgs...)
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		log.Printf("[Supervisor %s] failed to start worker: %v", s.store, err)
		return
	}
	log.Printf("[Supervisor %s] worker started (pid %d)", s.store, cmd.Process.Pid)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// AcceptNext blocks until the worker dials in. Running it alongside
	// cmd.Wait(), rather than before it, means a worker that crashes
	// before connecting doesn't hang this iteration forever; a stray
	// Accept left blocked by such a crash is harmless, since it
	// resolves against whichever worker connects next.
	reqReady := make(chan error, 1)
	pubReady := make(chan error, 1)
	go func() { reqReady <- s.reqSock.AcceptNext() }()
	go func() { pubReady <- s.pubSock.AcceptNext() }()

	go func() {
		if err := <-reqReady; err != nil {
			if s.debug {
				log.Printf("[Supervisor %s] request socket did not connect: %v", s.store, err)
			}
			return
		}
		go s.fetchConfig()
		if err := s.relay.Run(); err != nil && s.debug {
			log.Printf("[Supervisor %s] request relay stopped: %v", s.store, err)
		}
	}()
	go func() {
		if err := <-pubReady; err != nil {
			if s.debug {
				log.Printf("[Supervisor %s] publish socket did not connect: %v", s.store, err)
			}
			return
		}
		if err := s.pub.Run(); err != nil && s.debug {
			log.Printf("[Supervisor %s] publish relay stopped: %v", s.store, err)
		}
	}()

	log.Printf("[Supervisor %s] worker exited: %v", s.store, <-exited)
}

// fetchConfig issues the startup CONFIG request and caches the result.
// A failure here is fail-shut: it is logged, not fatal, and leaves the
// store's cache entry as whatever it was before (absent, on first
// start) until the next successful fetch.
func (s *Supervisor) fetchConfig() {
	result, err := s.relay.InternalRequest(&wire.Request{Kind: wire.KindConfig, Name: s.store})
	if err != nil {
		log.Printf("[Supervisor %s] startup CONFIG request failed: %v", s.store, err)
		return
	}
	block, err := blockFromResult(result)
	if err != nil {
		log.Printf("[Supervisor %s] startup CONFIG response malformed: %v", s.store, err)
		return
	}
	s.cfg.Set(s.store, block)
	log.Printf("[Supervisor %s] configuration cached (id=%s)", s.store, block.ID)
}

func blockFromResult(result map[string]interface{}) (*cfgcache.Block, error) {
	if errField, ok := result["error"]; ok && errField != nil {
		return nil, fmt.Errorf("worker returned error: %v", errField)
	}
	data, ok := result["data"]
	if !ok {
		return nil, fmt.Errorf("response missing 'data' field")
	}
	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("'data' field is not an object")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("re-encoding configuration block: %w", err)
	}
	name, _ := dataMap["name"].(string)
	id, _ := dataMap["id"].(string)
	return &cfgcache.Block{Name: name, ID: id, Raw: raw}, nil
}

// cleanup releases the worker's sockets and removes its ephemeral
// endpoint directory, unlinking the socket files it contains.
func (s *Supervisor) cleanup() {
	s.reqSock.Close()
	s.pubSock.Close()
	if err := os.RemoveAll(s.endptDir); err != nil {
		log.Printf("[Supervisor %s] failed to remove endpoint directory: %v", s.store, err)
	}
}
