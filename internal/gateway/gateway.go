// ABOUTME: Connection server lifecycle: listeners, HTTP mux, health endpoints and shutdown
// ABOUTME: Serves the voice WebSocket endpoint over TCP or a Tailscale tsnet node

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/navivox-gateway/internal/allowlist"
	"github.com/2389/navivox-gateway/internal/audit"
	"github.com/2389/navivox-gateway/internal/config"
	"github.com/2389/navivox-gateway/internal/nonce"
)

var (
	// ErrStreamingUnsupported is returned by Send; audio streaming to devices
	// is not implemented.
	ErrStreamingUnsupported = errors.New("voice streaming is not implemented")

	// ErrSessionNotFound indicates no authorized session exists for the device.
	ErrSessionNotFound = errors.New("no session for device")

	// ErrAlreadyStarted is returned by Start on a running gateway.
	ErrAlreadyStarted = errors.New("gateway already started")
)

// Gateway accepts device connections and runs the handshake on each.
type Gateway struct {
	config     *config.Config
	allowlist  *allowlist.Allowlist
	recorder   *audit.Recorder
	sessions   *sessionRegistry
	dispatcher Dispatcher
	onAuth     func(context.Context, Session)
	logger     *slog.Logger

	ledger      *nonce.Ledger
	ownsLedger  bool
	nonceSource nonce.Generator

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	listener    net.Listener
	serveErr    chan error

	// handshakeCtx is cancelled when the shutdown drain bound elapses.
	handshakeCtx     context.Context
	cancelHandshakes context.CancelCauseFunc
	// sessionCtx is cancelled as soon as shutdown begins.
	sessionCtx     context.Context
	cancelSessions context.CancelFunc

	mu         sync.Mutex
	started    bool
	closing    bool
	conns      sync.WaitGroup
	handshakes sync.WaitGroup
	inflight   atomic.Int64

	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDispatcher sets where session payloads go. The default logs them at debug.
func WithDispatcher(d Dispatcher) Option {
	return func(g *Gateway) { g.dispatcher = d }
}

// WithOnAuthorized registers the promotion hook, called once per session right
// after it is registered.
func WithOnAuthorized(fn func(ctx context.Context, s Session)) Option {
	return func(g *Gateway) { g.onAuth = fn }
}

// WithLedger shares a nonce ledger. A ledger supplied here is not closed by Stop.
func WithLedger(l *nonce.Ledger) Option {
	return func(g *Gateway) { g.ledger = l }
}

// WithNonceSource replaces crypto/rand as the challenge source.
func WithNonceSource(gen nonce.Generator) Option {
	return func(g *Gateway) { g.nonceSource = gen }
}

// New creates a gateway. A nil recorder disables the attempt log.
func New(cfg *config.Config, allow *allowlist.Allowlist, recorder *audit.Recorder, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if allow == nil {
		allow = &allowlist.Allowlist{}
	}
	logger = logger.With("component", "gateway")

	g := &Gateway{
		config:      cfg,
		allowlist:   allow,
		recorder:    recorder,
		sessions:    newSessionRegistry(logger),
		logger:      logger,
		nonceSource: nonce.Generate,
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.dispatcher == nil {
		g.dispatcher = logDispatcher{logger: logger}
	}
	if g.ledger == nil {
		g.ledger = nonce.NewLedger(nonce.DefaultTTL, nonce.DefaultMaxSize)
		g.ownsLedger = true
	}

	g.handshakeCtx, g.cancelHandshakes = context.WithCancelCause(context.Background())
	g.sessionCtx, g.cancelSessions = context.WithCancel(context.Background())

	if allow.Len() == 0 {
		logger.Warn("allowlist is empty, every device will be denied")
	}
	return g, nil
}

// Handler returns the HTTP handler serving the voice endpoint and health checks.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	path := g.config.Server.Path
	if path == "" || path == "/" {
		path = "/{$}"
	}
	mux.HandleFunc(path, g.handleVoice)
	return mux
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	g.mu.Unlock()

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(g.logger.Handler(), slog.LevelDebug),
	}

	g.mu.Lock()
	g.listener = ln
	g.httpServer = srv
	g.mu.Unlock()

	g.serveErr = make(chan error, 1)
	go func() {
		g.logger.Info("voice endpoint listening", "addr", ln.Addr().String(), "path", g.config.Server.Path)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.serveErr <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return nil
}

// Run starts the gateway and blocks until ctx is cancelled or the server
// fails, then shuts down. Returns nil on a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-g.serveErr:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown stops with a fresh context since the caller's is already
// cancelled. The bound covers the handshake drain plus closing sessions.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Handshake.DrainTimeout+10*time.Second)
	defer cancel()
	return g.Stop(ctx)
}

// Addr returns the bound listener address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Sessions returns the authorized sessions, oldest first.
func (g *Gateway) Sessions() []Session {
	return g.sessions.list()
}

// Send delivers an outbound payload to a device. Audio streaming is out of
// scope, so this only validates the target and reports ErrStreamingUnsupported.
func (g *Gateway) Send(_ context.Context, deviceID string, payload []byte) error {
	if len(g.sessions.byDevice(deviceID)) == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, deviceID)
	}
	g.logger.Warn("send called, but streaming is not implemented yet",
		"device_id", deviceID,
		"bytes", len(payload),
	)
	return ErrStreamingUnsupported
}

// Stopped is closed once Stop has finished.
func (g *Gateway) Stopped() <-chan struct{} {
	return g.stopped
}

// Stop shuts the gateway down. It stops accepting, closes the listener and
// waits for it to release, closes sessions with 1001, drains handshakes for up
// to handshake.drain_timeout and then denies the rest. Safe to call more than once.
func (g *Gateway) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() {
		g.stopErr = g.stop(ctx)
		close(g.stopped)
	})
	return g.stopErr
}

func (g *Gateway) stop(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.mu.Lock()
	g.closing = true
	srv := g.httpServer
	g.mu.Unlock()

	var errs []error
	if srv != nil {
		errs = appendCloseError(errs, "HTTP shutdown", srv.Shutdown(ctx))
	}

	g.cancelSessions()

	if !waitGroup(ctx, &g.handshakes, g.config.Handshake.DrainTimeout) {
		g.logger.Warn("handshake drain timed out, denying in-flight handshakes",
			"in_flight", g.inflight.Load(),
			"drain_timeout", g.config.Handshake.DrainTimeout,
		)
	}
	g.cancelHandshakes(errShuttingDown)

	if !waitGroup(ctx, &g.conns, 0) {
		errs = append(errs, fmt.Errorf("connections still open: %w", ctx.Err()))
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.ownsLedger {
		g.ledger.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	g.logger.Info("gateway stopped")
	return nil
}

var errShuttingDown = errors.New("server shutting down")

// waitGroup waits for wg, bounded by ctx and, when positive, by limit.
// Reports whether wg finished.
func waitGroup(ctx context.Context, wg *sync.WaitGroup, limit time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
		return true
	case <-timeout:
		return false
	case <-ctx.Done():
		return false
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// track registers a new connection unless shutdown has begun.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns.Add(1)
	g.handshakes.Add(1)
	g.inflight.Add(1)
	return true
}

// setupListener creates the TCP or Tailscale listener.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.Addr != "" {
			g.logger.Warn("server.addr is ignored when tailscale is enabled", "addr", g.config.Server.Addr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on voice address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured, dataDir string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(dataDir, "tailscale")
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on the configured port.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir := resolveTailscaleStateDir(tsCfg.StateDir, g.config.Data.Dir)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
		UserLogf:  func(format string, args ...any) { g.logger.Debug(fmt.Sprintf(format, args...), "source", "tsnet") },
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", fmt.Sprintf(":%d", tsCfg.Port))
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port %d: %w", tsCfg.Port, err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts connections and has
// at least one allowlisted device.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()

	switch {
	case closing:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
	case g.allowlist.Len() == 0:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no devices allowlisted"))
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ready (%d devices, %d sessions)", g.allowlist.Len(), g.sessions.count())
	}
}
