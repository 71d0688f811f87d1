// Package runtime provides the Gateway: it owns the snapshot, the HTTP
// listener and the reload supervisor that restarts the listener whenever
// the routing document changes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/llm-relay/internal/adapters/config/file"
	"github.com/tjfontaine/llm-relay/internal/admission"
	"github.com/tjfontaine/llm-relay/internal/core/domain"
	"github.com/tjfontaine/llm-relay/internal/frontdoor"
	"github.com/tjfontaine/llm-relay/internal/pkg/config"
	"github.com/tjfontaine/llm-relay/internal/pkg/safehttp"
	"github.com/tjfontaine/llm-relay/internal/relay"
	"github.com/tjfontaine/llm-relay/internal/server"
	"github.com/tjfontaine/llm-relay/internal/storage/jsondoc"
	"github.com/tjfontaine/llm-relay/internal/storage/memory"
	"github.com/tjfontaine/llm-relay/internal/storage/sqldb"
	"github.com/tjfontaine/llm-relay/internal/tokens"
	"github.com/tjfontaine/llm-relay/internal/usage"
)

const readHeaderTimeout = 10 * time.Second

// Gateway is the main entry point for running the relay.
// It can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	cfg    *config.Config
	logger *slog.Logger
	client *http.Client
	ledger *sqldb.Store
	listen ListenFunc
	now    func() time.Time

	snap    *memory.Snapshot
	handler http.Handler
	errs    chan error

	// Lifecycle management
	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	addr     string
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New creates a Gateway. WithConfig or WithConfigFile is required.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
		listen: net.Listen,
		now:    time.Now,
		errs:   make(chan error, 1),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.cfg == nil {
		return nil, fmt.Errorf("config required (use WithConfig or WithConfigFile)")
	}

	gw.snap = memory.NewSnapshot(nil, nil)

	if gw.ledger == nil && gw.cfg.LedgerEnabled() {
		ledger, err := sqldb.New(sqldb.Config{
			Driver:        gw.cfg.Storage.Type,
			DSN:           gw.cfg.Storage.DSN,
			BatchSize:     gw.cfg.Storage.BatchSize,
			FlushInterval: gw.cfg.Storage.FlushInterval,
			Logger:        gw.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open usage ledger: %w", err)
		}
		gw.ledger = ledger
	}

	gw.handler = gw.buildHandler()
	return gw, nil
}

func (g *Gateway) buildHandler() http.Handler {
	cfg := g.cfg

	counter := tokens.NewRegistry()
	if cfg.Accounting.InputTokenizer == "tiktoken" {
		counter.Register(tokens.NewTiktokenCounter())
	}

	engineOpts := []relay.Option{
		relay.WithTimeout(cfg.Upstream.Timeout),
		relay.WithUserAgent(cfg.Upstream.UserAgent),
		relay.WithNoAuthBaseURLs(cfg.Upstream.NoAuthBaseURLs...),
		relay.WithInputCounter(counter),
		relay.WithLogger(g.logger),
	}
	client := g.client
	if client == nil && cfg.Upstream.DenyPrivateNetworks {
		client = &http.Client{Transport: otelhttp.NewTransport(safehttp.NewTransport())}
	}
	if client != nil {
		engineOpts = append(engineOpts, relay.WithHTTPClient(client))
	}

	storeOpts := []usage.Option{usage.WithLogger(g.logger), usage.WithClock(g.now)}
	var history frontdoor.History
	if g.ledger != nil {
		storeOpts = append(storeOpts, usage.WithLedger(g.ledger))
		history = g.ledger
	}

	h := frontdoor.NewHandler(frontdoor.HandlerConfig{
		Snapshot:     g.snap,
		Relay:        relay.NewEngine(engineOpts...),
		Usage:        usage.NewStore(cfg.Accounts.Path, g.snap, storeOpts...),
		History:      history,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       g.logger,
		Now:          g.now,
	})

	r := server.NewRouter(g.logger, server.Options{
		Tracing:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	frontdoor.Mount(r, h.Registrations(), admission.MiddlewareWithClock(g.snap, g.logger, g.now))
	return r
}

// Start loads both documents, binds the listener and starts the document
// watcher and the usage ledger writer. It returns once the gateway is
// serving.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("gateway already started")
	}
	g.started = true
	g.mu.Unlock()

	routing, accounts, err := g.loadDocuments()
	if err != nil {
		return err
	}
	g.snap.Replace(routing, accounts)

	ln, err := g.listen("tcp", g.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", g.cfg.Server.Addr, err)
	}

	watcher, err := file.NewWatcher(g.cfg.Reload.Debounce, g.logger, g.cfg.Routing.Path)
	if err != nil {
		ln.Close()
		return fmt.Errorf("create watcher: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)

	g.mu.Lock()
	// Rebinds reuse the resolved address, so ":0" keeps its port.
	g.addr = ln.Addr().String()
	g.cancel = cancel
	g.group = group
	g.serveLocked(ln)
	g.mu.Unlock()

	if g.ledger != nil {
		group.Go(func() error {
			return g.ledger.Run(gctx)
		})
	}
	group.Go(func() error {
		err := watcher.Watch(gctx, func(ctx context.Context, _ string) {
			g.Reload(ctx)
		})
		if err != nil {
			g.fail(err)
		}
		return err
	})

	select {
	case <-watcher.Ready():
	case <-gctx.Done():
		err := group.Wait()
		if err == nil {
			err = ctx.Err()
		}
		g.Shutdown(context.Background())
		return fmt.Errorf("start watcher: %w", err)
	}

	g.logger.Info("gateway started",
		slog.String("addr", g.Addr()),
		slog.Int("endpoints", len(routing.Endpoints)),
		slog.Int("accounts", accounts.Len()),
		slog.Bool("ledger", g.ledger != nil),
	)
	return nil
}

// Reload re-reads both documents. If either fails to load the current
// snapshot stays in place and the listener is untouched. Otherwise the
// listener is closed, the snapshot swapped and the same address bound
// again; requests already in flight finish on their connections.
func (g *Gateway) Reload(ctx context.Context) error {
	routing, accounts, err := g.loadDocuments()
	if err != nil {
		g.logger.Error("reload failed, keeping current configuration",
			slog.String("error", err.Error()))
		return err
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	old, oldLn, addr := g.server, g.listener, g.addr
	g.server, g.listener = nil, nil
	g.mu.Unlock()

	if oldLn != nil {
		oldLn.Close()
	}
	if old != nil {
		go g.retire(old)
	}

	g.snap.Replace(routing, accounts)

	ln, err := g.bind(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		g.logger.Error("failed to rebind listener", slog.String("addr", addr), slog.String("error", err.Error()))
		g.fail(err)
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		ln.Close()
		return nil
	}
	g.serveLocked(ln)

	g.logger.Info("listener restarted",
		slog.String("addr", addr),
		slog.Int("endpoints", len(routing.Endpoints)),
		slog.Int("accounts", accounts.Len()),
	)
	return nil
}

// bind listens on addr, waiting out EADDRINUSE. Any other error is returned.
func (g *Gateway) bind(ctx context.Context, addr string) (net.Listener, error) {
	for attempt := 1; ; attempt++ {
		ln, err := g.listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("rebind %s: %w", addr, err)
		}

		g.logger.Warn("address in use, retrying",
			slog.String("addr", addr),
			slog.Int("attempt", attempt),
			slog.Duration("delay", g.cfg.Reload.RetryDelay),
		)
		timer := time.NewTimer(g.cfg.Reload.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// serveLocked starts serving on ln. g.mu must be held.
func (g *Gateway) serveLocked(ln net.Listener) {
	srv := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(g.logger.Handler(), slog.LevelWarn),
	}
	g.server, g.listener = srv, ln

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			g.fail(fmt.Errorf("serve: %w", err))
		}
	}()
}

// retire lets a replaced server's open connections finish, up to one
// upstream timeout, then drops them.
func (g *Gateway) retire(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Upstream.Timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		srv.Close()
	}
}

func (g *Gateway) loadDocuments() (*domain.RoutingTable, *domain.AccountTable, error) {
	routing, err := jsondoc.LoadRouting(g.cfg.Routing.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("load routing document: %w", err)
	}
	accounts, err := jsondoc.LoadAccounts(g.cfg.Accounts.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("load account document: %w", err)
	}
	return routing, accounts, nil
}

// fail reports a fatal error. Only the first one is kept.
func (g *Gateway) fail(err error) {
	select {
	case g.errs <- err:
	default:
	}
}

// Errors delivers fatal errors, such as a failed rebind. The process is
// expected to exit when one arrives.
func (g *Gateway) Errors() <-chan error {
	return g.errs
}

// Addr returns the address the gateway is bound to.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Snapshot returns the live routing and account snapshot.
func (g *Gateway) Snapshot() *memory.Snapshot {
	return g.snap
}

// Handler returns the gateway's HTTP handler, for embedding under another
// server.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Shutdown stops the listener, waits for in-flight requests up to ctx's
// deadline, flushes the usage ledger and closes it.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	srv, cancel, group := g.server, g.cancel, g.group
	g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if cancel != nil {
		cancel()
	}

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if g.ledger != nil {
		if err := g.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close usage ledger: %w", err))
		}
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}
