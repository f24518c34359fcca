// Command meshagent is the process entry point: it loads the static
// service descriptors and per-service discovery snapshots, wires up a
// topology + discovery registry + listener per configured service, and
// serves client connections until terminated. Bootstrap, CLI flags, and
// logging setup are explicitly out of scope for the core spec (spec.md
// §1 "external collaborators"); this file is the thin glue a deployable
// binary still needs, grounded on the teacher's cmd/* tools' flat
// flag.FlagSet convention (cmd/memcache-bench/main.go).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meshcache/agent/config"
	"github.com/meshcache/agent/discovery"
	"github.com/meshcache/agent/endpoint"
	"github.com/meshcache/agent/internal/coarsetime"
	"github.com/meshcache/agent/metrics"
	"github.com/meshcache/agent/pipeline"
	"github.com/meshcache/agent/protocol"
	"github.com/meshcache/agent/topology"
)

func main() {
	var (
		servicesPath = flag.String("services", "services.yaml", "path to the service descriptor list")
		discoveryDir = flag.String("discovery-dir", "", "directory of <service>.yaml discovery fragments (file-backed Source)")
		metricsAddr  = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
		healthPort   = flag.Int("health-port", 9091, "127.0.0.1 port bound as a liveness probe (spec.md §6 Supervisor port)")
		devLog       = flag.Bool("dev-log", false, "use zap's development logging config instead of production")
	)
	flag.Parse()

	log, err := newLogger(*devLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshagent: logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	data, err := os.ReadFile(*servicesPath)
	if err != nil {
		log.Fatal("read services file", zap.Error(err))
	}
	services, err := config.ParseServices(data)
	if err != nil {
		log.Fatal("parse services file", zap.Error(err))
	}
	if len(services) == 0 {
		log.Fatal("no services configured", zap.String("path", *servicesPath))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	coarsetime.Start(ctx)

	go func() {
		if err := metrics.ServeHTTP(*metricsAddr); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go serveSupervisorPort(ctx, *healthPort, log)

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runService(ctx, svc, *discoveryDir, log); err != nil && ctx.Err() == nil {
				log.Error("service exited", zap.String("service", svc.Name), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// runService wires one service's protocol adapter, discovery registry,
// and client listener, and blocks until ctx is cancelled.
func runService(ctx context.Context, svc config.Service, discoveryDir string, log *zap.Logger) error {
	log = log.With(zap.String("service", svc.Name))

	proto, err := newProtocol(svc.Protocol)
	if err != nil {
		return err
	}

	hasher := topology.XXH3Hasher{}
	factory := func(addr string) topology.Backend {
		ep := endpoint.New(endpoint.Config{Addr: addr, Protocol: proto}, log)
		go ep.Run(ctx)
		return ep
	}
	registry := discovery.NewRegistry(hasher, factory)

	var src discovery.Source
	if discoveryDir != "" {
		src = discovery.FileSource{Dir: discoveryDir}
	} else {
		src = discovery.FileSource{Dir: "."}
	}
	watcher := discovery.NewWatcher(src, svc.Snapshot, log)
	go registry.Watch(ctx, watcher, svc.Name, svc.Tick)

	if !waitForTopology(ctx, registry, 5*time.Second) {
		log.Warn("starting listener before any discovery payload was observed")
	}

	ln, err := listen(svc)
	if err != nil {
		return fmt.Errorf("meshagent: listen %s: %w", svc.Name, err)
	}
	defer ln.Close()
	log.Info("listening", zap.String("family", svc.Family), zap.String("address", svc.Address))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveConn(ctx, conn, proto, registry, log)
	}
}

func serveConn(ctx context.Context, conn net.Conn, proto protocol.Protocol, registry *discovery.Registry, log *zap.Logger) {
	p := pipeline.New(conn, proto, registry, log)
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		log.Debug("client connection closed", zap.Error(err))
	}
}

// waitForTopology blocks briefly for the first discovery payload so the
// listener doesn't start accepting connections against an empty
// topology when a fresh deployment races the discovery watcher's first
// poll. Returns false on timeout; the caller proceeds anyway (a client
// connection that sends a request before the first Update lands is
// closed with an error).
func waitForTopology(ctx context.Context, registry *discovery.Registry, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if registry.Current() != nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

func listen(svc config.Service) (net.Listener, error) {
	family := svc.Family
	if family == "" {
		family = "tcp"
	}
	switch family {
	case "tcp":
		return net.Listen("tcp", svc.Address)
	case "unix":
		return net.Listen("unix", svc.Address)
	default:
		return nil, fmt.Errorf("meshagent: unknown family %q", svc.Family)
	}
}

// serveSupervisorPort binds the fixed localhost health probe (spec.md
// §6 "Supervisor port"): monitors detect liveness purely by a
// successful TCP connect, so every accepted connection is closed
// immediately without reading or writing anything.
func serveSupervisorPort(ctx context.Context, port int, log *zap.Logger) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Warn("supervisor port unavailable", zap.String("addr", addr), zap.Error(err))
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
