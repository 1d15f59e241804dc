// Command potproxy is the process controller: it loads the proxy's
// configuration, binds the two external sockets, starts one supervisor
// per configured store, and serves external requests until it receives
// a shutdown signal.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tenzoki/potproxy/internal/cfgcache"
	"github.com/tenzoki/potproxy/internal/config"
	"github.com/tenzoki/potproxy/internal/reqserver"
	"github.com/tenzoki/potproxy/internal/socket"
	"github.com/tenzoki/potproxy/internal/supervisor"
)

func main() {
	configFile := "config/potproxy.yaml"
	if len(os.Args) >= 2 {
		configFile = os.Args[1]
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", configFile, err)
	}
	log.Printf("potproxy starting using %s", configFile)
	if cfg.Debug {
		log.Printf("debug logging enabled")
	}

	router, err := socket.Listen(cfg.ExternalRequest, cfg.Debug)
	if err != nil {
		log.Fatalf("failed to bind external request socket %s: %v", cfg.ExternalRequest, err)
	}
	extPub, err := socket.ListenPub(cfg.ExternalPublish, cfg.Debug)
	if err != nil {
		log.Fatalf("failed to bind external publish socket %s: %v", cfg.ExternalPublish, err)
	}
	log.Printf("external request socket on %s", router.Addr())
	log.Printf("external publish socket on %s", extPub.Addr())

	cache := cfgcache.New()

	stores := make(map[string]reqserver.StoreRelay, len(cfg.Stores))
	supervisors := make([]*supervisor.Supervisor, 0, len(cfg.Stores))
	for _, sc := range cfg.Stores {
		sup, err := supervisor.New(sc.Name, cfg.ResolveBinary(sc), sc.Args, cfg.RestartDelay(), cache, router, extPub, cfg.Debug)
		if err != nil {
			log.Fatalf("failed to set up store %q: %v", sc.Name, err)
		}
		supervisors = append(supervisors, sup)
		stores[sc.Name] = sup.Relay()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, sup := range supervisors {
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			s.Run(ctx)
		}(sup)
	}

	go router.Serve()
	go extPub.Serve()

	server := reqserver.New(router, cache, stores, cfg.Debug)
	go server.Serve()

	log.Printf("potproxy ready: %d store(s) configured", len(cfg.Stores))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Printf("received signal: %s, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("context cancelled, shutting down...")
	}

	cancel()
	router.Close()
	extPub.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("all store supervisors shut down cleanly")
	case <-time.After(10 * time.Second):
		log.Println("shutdown timeout exceeded")
	}
}
