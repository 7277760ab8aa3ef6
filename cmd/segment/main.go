// Command segment runs one FTILlite segment node.
//
// The node reads the shared network description, opens its save store and
// optional auxiliary database, and serves commands either over HTTP
// (transport: http) or from its RabbitMQ queues (transport: amqp). The HTTP
// surface with /livez, /readyz, /drain and /undrain is served in both
// modes.
//
// # Usage
//
//	go run ./cmd/segment --config=network.yaml --id=1
//	go run ./cmd/segment --config=network.yaml --id=1 --addr=:8081 --metrics-addr=:9091
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/etienne-leroy/FTILlite/api/httpserver"
	"github.com/etienne-leroy/FTILlite/auxdb"
	"github.com/etienne-leroy/FTILlite/config"
	"github.com/etienne-leroy/FTILlite/metrics"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/segment"
	"github.com/etienne-leroy/FTILlite/transport"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML network config")
		nodeID      = flag.Int("id", -1, "Id of the node to run")
		addr        = flag.String("addr", ":8080", "HTTP listen address")
		metricsAddr = flag.String("metrics-addr", "", "Metrics listen address (disabled if empty)")
		transportF  = flag.String("transport", "", "Transport override: http or amqp")
		amqpURL     = flag.String("amqp-url", "", "RabbitMQ URL override")
		dataDir     = flag.String("data-dir", "", "Data directory override")
		debug       = flag.Bool("debug", false, "Log at debug level")
		logJSON     = flag.Bool("log-json", false, "Log in JSON")
	)
	flag.Parse()

	log := newLogger(*debug, *logJSON)

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, *transportF, *amqpURL, *dataDir)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Transport == config.TransportMemory {
		fmt.Println("Configuration error: the memory transport only exists in-process")
		os.Exit(1)
	}
	self, ok := cfg.Node(*nodeID)
	if !ok {
		fmt.Printf("Configuration error: node %d is not configured\n", *nodeID)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, self, *addr, *metricsAddr, log); err != nil {
		log.Error("segment node failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(debug, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func loadConfiguration(path string) (*config.NetworkConfig, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return config.LoadConfig(path)
}

func applyFlagOverrides(cfg *config.NetworkConfig, transportKind, amqpURL, dataDir string) {
	if transportKind != "" {
		cfg.Transport = transportKind
	}
	if amqpURL != "" {
		cfg.AMQPURL = amqpURL
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
}

func run(ctx context.Context, cfg *config.NetworkConfig, self config.NodeConfig, addr, metricsAddr string, log *slog.Logger) error {
	node := protocol.Node{ID: self.ID, Name: self.Name}
	log = log.With("node", node.String())

	store, err := segment.OpenStore(filepath.Join(cfg.DataDir, self.Name+".db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var aux auxdb.Source
	if cfg.Postgres != nil && self.ID != cfg.Coordinator {
		src, err := auxdb.NewPostgresSource(cfg.Postgres)
		if err != nil {
			store.Close()
			return fmt.Errorf("open auxiliary database: %w", err)
		}
		defer src.Close()
		aux = src
	}

	var broker *transport.AMQPBroker
	if cfg.Transport == config.TransportAMQP {
		broker = transport.NewAMQPBroker(cfg.AMQPURL)
		defer broker.Close()
	}

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               addr,
		MetricsAddr:              metricsAddr,
		Log:                      log,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              10 * time.Minute,
		WriteTimeout:             10 * time.Minute,
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("create http server: %w", err)
	}

	host, err := segment.NewHost(segment.Options{
		Node:    node,
		Addr:    self.Addr,
		Log:     log,
		Store:   store,
		AuxDB:   aux,
		Dial:    dialer(cfg, broker, log),
		Metrics: metrics.NewSegment(srv.Metrics().Namespace(), srv.Metrics().Registry()),
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("create host: %w", err)
	}
	// Closes the store too.
	defer host.Close()
	srv.AddRoutes(segment.NewHandler(host))

	srv.RunInBackground()
	defer srv.Shutdown()

	if broker != nil {
		log.Info("serving commands from broker", "url", cfg.AMQPURL)
		return segment.Listen(ctx, broker, host)
	}
	log.Info("serving commands over http", "addr", addr)
	<-ctx.Done()
	return nil
}

// dialer returns how the node reaches its peers for transmits.
func dialer(cfg *config.NetworkConfig, broker *transport.AMQPBroker, log *slog.Logger) segment.DialFunc {
	if broker != nil {
		return func(p protocol.Node, _ string) transport.Client {
			c := transport.NewTransferClient(p, broker, log)
			c.Attempts = cfg.RetryAttempts
			return c
		}
	}
	client := &http.Client{Timeout: 10 * time.Minute}
	return func(p protocol.Node, addr string) transport.Client {
		return transport.NewHTTPClient(p, addr, client)
	}
}
