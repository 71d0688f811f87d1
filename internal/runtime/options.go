package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tjfontaine/llm-relay/internal/pkg/config"
	"github.com/tjfontaine/llm-relay/internal/storage/sqldb"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// ListenFunc binds a listener; net.Listen by default.
type ListenFunc func(network, address string) (net.Listener, error)

// WithConfig supplies the loaded settings (required).
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		g.cfg = cfg
		return nil
	}
}

// WithConfigFile loads settings from path (config.yaml when empty) plus
// RELAY_ environment overrides.
func WithConfigFile(path string) Option {
	return func(g *Gateway) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) error {
		g.client = client
		return nil
	}
}

// WithLedger uses an already opened usage ledger instead of the one
// described by storage settings. The gateway runs and closes it.
func WithLedger(ledger *sqldb.Store) Option {
	return func(g *Gateway) error {
		g.ledger = ledger
		return nil
	}
}

// WithListenFunc replaces net.Listen.
func WithListenFunc(listen ListenFunc) Option {
	return func(g *Gateway) error {
		g.listen = listen
		return nil
	}
}

// WithClock overrides time.Now for admission and accounting.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) error {
		g.now = now
		return nil
	}
}
