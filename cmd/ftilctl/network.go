package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/etienne-leroy/FTILlite/config"
	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/metrics"
	"github.com/etienne-leroy/FTILlite/transport"
	"go.uber.org/multierr"
)

// session is an open coordinator connection to the network.
type session struct {
	cfg      *config.NetworkConfig
	fc       *ftillite.Context
	sessions *ftillite.SessionStore
	broker   *transport.AMQPBroker
}

func sessionStorePath(cfg *config.NetworkConfig) string {
	return filepath.Join(cfg.DataDir, "sessions.db")
}

// clients builds one command client per configured node.
func clients(cfg *config.NetworkConfig, broker *transport.AMQPBroker, log *slog.Logger) (map[int]transport.Client, error) {
	out := make(map[int]transport.Client, len(cfg.Nodes))
	switch cfg.Transport {
	case config.TransportAMQP:
		for _, n := range cfg.NodeSet().Nodes() {
			c := transport.NewSegmentClient(n, broker, log)
			c.Attempts = cfg.RetryAttempts
			out[n.ID] = c
		}
	case config.TransportHTTP:
		hc := &http.Client{Timeout: 10 * time.Minute}
		for _, n := range cfg.NodeSet().Nodes() {
			out[n.ID] = transport.NewHTTPClient(n, cfg.Addrs()[n.ID], hc)
		}
	default:
		return nil, fmt.Errorf("transport %q cannot reach remote nodes", cfg.Transport)
	}
	return out, nil
}

func openSession(ctx context.Context, cfg *config.NetworkConfig, log *slog.Logger) (*session, error) {
	s := &session{cfg: cfg}
	if cfg.Transport == config.TransportAMQP {
		s.broker = transport.NewAMQPBroker(cfg.AMQPURL)
	}
	cs, err := clients(cfg, s.broker, log)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.sessions, err = ftillite.OpenSessionStore(sessionStorePath(cfg))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}

	s.fc, err = ftillite.Open(ctx, ftillite.Config{
		Nodes:       cfg.NodeSet(),
		Coordinator: cfg.CoordinatorNode(),
		Clients:     cs,
		Addrs:       cfg.Addrs(),
		Sessions:    s.sessions,
		Log:         log,
		Metrics:     metrics.NewDispatcher("ftilctl", nil),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("connect to network: %w", err)
	}
	return s, nil
}

func (s *session) Close() (err error) {
	if s.fc != nil {
		err = multierr.Append(err, s.fc.Close())
	}
	if s.sessions != nil {
		err = multierr.Append(err, s.sessions.Close())
	}
	if s.broker != nil {
		err = multierr.Append(err, s.broker.Close())
	}
	return err
}
