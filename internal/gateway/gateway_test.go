// ABOUTME: End-to-end tests for the connection server over real WebSockets
// ABOUTME: Covers every handshake outcome, timeouts, sessions, health checks and shutdown

package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/navivox-gateway/internal/allowlist"
	"github.com/2389/navivox-gateway/internal/audit"
	"github.com/2389/navivox-gateway/internal/auth"
	"github.com/2389/navivox-gateway/internal/config"
	"github.com/2389/navivox-gateway/internal/logging"
	"github.com/2389/navivox-gateway/internal/nonce"
	"github.com/2389/navivox-gateway/internal/protocol"
)

type testDevice struct {
	id     string
	priv   ed25519.PrivateKey
	pubB64 string
}

func newTestDevice(t *testing.T, id string) testDevice {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testDevice{id: id, priv: priv, pubB64: base64.StdEncoding.EncodeToString(pub)}
}

// testConfig creates a config with short handshake timings.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Handshake.Timeout = 2 * time.Second
	cfg.Handshake.DrainTimeout = 200 * time.Millisecond
	cfg.Data.Dir = t.TempDir()
	cfg.ApplyDefaults()
	return cfg
}

type harness struct {
	gw   *Gateway
	srv  *httptest.Server
	sink *audit.MemorySink
	dev  testDevice
	url  string
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	dev := newTestDevice(t, "dev1")
	al, err := allowlist.New([]allowlist.Entry{{DeviceID: dev.id, PublicKey: dev.pubB64}}, nil)
	require.NoError(t, err)

	sink := audit.NewMemorySink()
	logger := logging.Discard()
	gw, err := New(cfg, al, audit.NewRecorder(sink, logger), logger, opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = gw.Stop(ctx)
		srv.Close()
	})

	return &harness{
		gw:   gw,
		srv:  srv,
		sink: sink,
		dev:  dev,
		url:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/",
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(context.Background(), h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func send(t *testing.T, c *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func read(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	return data
}

// readClose reads until the server closes and returns the close frame.
func readClose(t *testing.T, c *websocket.Conn) websocket.CloseError {
	t.Helper()
	return <-readCloseAsync(c)
}

func readCloseAsync(c *websocket.Conn) <-chan websocket.CloseError {
	out := make(chan websocket.CloseError, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for {
			_, _, err := c.Read(ctx)
			if err == nil {
				continue
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				out <- ce
			} else {
				out <- websocket.CloseError{Code: -1, Reason: err.Error()}
			}
			return
		}
	}()
	return out
}

// challenge sends hello and returns the raw nonce.
func challenge(t *testing.T, c *websocket.Conn, id, pubB64 string) []byte {
	t.Helper()
	send(t, c, protocol.EncodeHello(id, pubB64))
	ch, err := protocol.DecodeChallenge(protocol.Text(read(t, c)))
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(ch.Nonce)
	require.NoError(t, err)
	require.Len(t, raw, nonce.Size)
	return raw
}

// authorize runs a full successful handshake.
func authorize(t *testing.T, c *websocket.Conn, dev testDevice) {
	t.Helper()
	n := challenge(t, c, dev.id, dev.pubB64)
	send(t, c, protocol.EncodeAuth(auth.Sign(dev.priv, n)))
	assert.JSONEq(t, `{"type":"ok"}`, string(read(t, c)))
}

func requireDenied(t *testing.T, h *harness, c *websocket.Conn, reason string) audit.Attempt {
	t.Helper()
	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusCode(protocol.CloseDenied), ce.Code)
	assert.Equal(t, reason, ce.Reason)

	// The attempt is written before the close frame.
	attempts := h.sink.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, audit.Deny(reason), attempts[0].Status)
	return attempts[0]
}

func TestHandshake_Success(t *testing.T) {
	authorized := make(chan Session, 1)
	h := newHarness(t, nil, WithOnAuthorized(func(_ context.Context, s Session) { authorized <- s }))
	c := h.dial(t)

	authorize(t, c, h.dev)

	select {
	case s := <-authorized:
		assert.Equal(t, "dev1", s.DeviceID)
		assert.Equal(t, "127.0.0.1", s.Remote)
		assert.NotEmpty(t, s.ID)
		assert.NotEmpty(t, s.Fingerprint)
	case <-time.After(5 * time.Second):
		t.Fatal("promotion hook not called")
	}

	attempts := h.sink.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, audit.StatusOK, attempts[0].Status)
	assert.Equal(t, "dev1", attempts[0].DeviceID)
	assert.Equal(t, h.dev.pubB64, attempts[0].Pubkey)
	assert.Equal(t, "127.0.0.1", attempts[0].Remote)

	require.Len(t, h.gw.Sessions(), 1)

	// Keepalive
	send(t, c, protocol.EncodeControl(protocol.TypePing))
	assert.JSONEq(t, `{"type":"pong"}`, string(read(t, c)))

	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return len(h.gw.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.sink.Count())
}

func TestHandshake_BadSignature(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	n := challenge(t, c, h.dev.id, h.dev.pubB64)
	other := make([]byte, len(n))
	copy(other, n)
	other[31] ^= 0x01
	send(t, c, protocol.EncodeAuth(auth.Sign(h.dev.priv, other)))

	a := requireDenied(t, h, c, "bad_signature")
	assert.Equal(t, "dev1", a.DeviceID)
	assert.Empty(t, h.gw.Sessions())
}

func TestHandshake_NotAllowed(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	stranger := newTestDevice(t, "stranger")
	send(t, c, protocol.EncodeHello(stranger.id, stranger.pubB64))

	a := requireDenied(t, h, c, "not_allowed")
	assert.Equal(t, "stranger", a.DeviceID)
	assert.Equal(t, stranger.pubB64, a.Pubkey)
}

func TestHandshake_PubkeyMismatch(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	other := newTestDevice(t, "dev1")
	send(t, c, protocol.EncodeHello("dev1", other.pubB64))
	requireDenied(t, h, c, "pubkey_mismatch")
}

func TestHandshake_InvalidHello(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageBinary, protocol.EncodeHello(h.dev.id, h.dev.pubB64)))

	a := requireDenied(t, h, c, "invalid_hello")
	assert.Empty(t, a.DeviceID)
}

func TestHandshake_InvalidAuth(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	challenge(t, c, h.dev.id, h.dev.pubB64)
	send(t, c, []byte(`{"type":"ping"}`))
	requireDenied(t, h, c, "invalid_auth")
}

func TestHandshake_HelloTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Handshake.Timeout = 150 * time.Millisecond
	h := newHarness(t, cfg)
	c := h.dial(t)

	requireDenied(t, h, c, "timeout")
}

func TestHandshake_AuthTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Handshake.Timeout = 150 * time.Millisecond
	h := newHarness(t, cfg)
	c := h.dial(t)

	challenge(t, c, h.dev.id, h.dev.pubB64)
	a := requireDenied(t, h, c, "timeout")
	assert.Equal(t, "dev1", a.DeviceID)
}

func TestHandshake_ReconnectAfterDenial(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial(t)
	wrong := newTestDevice(t, "dev1")
	send(t, c, protocol.EncodeHello("dev1", wrong.pubB64))
	requireDenied(t, h, c, "pubkey_mismatch")

	c = h.dial(t)
	authorize(t, c, h.dev)

	assert.Eventually(t, func() bool { return h.sink.Count() == 2 }, 5*time.Second, 10*time.Millisecond)
	attempts := h.sink.Attempts()
	assert.Equal(t, audit.StatusOK, attempts[1].Status)
}

func TestHandshake_PeerDisconnectIsNotLogged(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial(t)
	challenge(t, c, h.dev.id, h.dev.pubB64)
	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))

	c = h.dial(t)
	require.NoError(t, c.CloseNow())

	assert.Eventually(t, func() bool { return h.gw.inflight.Load() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.sink.Count())
}

func TestHandshake_FrameTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxFrameBytes = 64
	h := newHarness(t, cfg)
	c := h.dial(t)

	send(t, c, protocol.EncodeHello(h.dev.id, strings.Repeat("A", 256)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	assert.Error(t, err)
	assert.Empty(t, h.gw.Sessions())
}

func TestHandshake_NonceFromSource(t *testing.T) {
	src := bytes.Repeat([]byte{0x42}, nonce.Size)
	h := newHarness(t, nil, WithNonceSource(nonce.New(bytes.NewReader(src))))
	c := h.dial(t)

	n := challenge(t, c, h.dev.id, h.dev.pubB64)
	assert.Equal(t, src, n)
}

func TestHandshake_RepeatedNonceIsRefused(t *testing.T) {
	ledger := nonce.NewLedger(time.Minute, 100)
	defer ledger.Close()

	fixed := func() (nonce.Nonce, error) { return nonce.Nonce{9}, nil }
	h := newHarness(t, nil, WithLedger(ledger), WithNonceSource(fixed))

	c := h.dial(t)
	challenge(t, c, h.dev.id, h.dev.pubB64)

	c2 := h.dial(t)
	send(t, c2, protocol.EncodeHello(h.dev.id, h.dev.pubB64))
	ce := readClose(t, c2)
	assert.Equal(t, websocket.StatusCode(protocol.CloseDenied), ce.Code)
	assert.Equal(t, "error", ce.Reason)
}

func TestSession_Dispatch(t *testing.T) {
	got := make(chan map[string]any, 4)
	h := newHarness(t, nil, WithDispatcher(DispatcherFunc(func(_ context.Context, s Session, payload map[string]any) {
		assert.Equal(t, "dev1", s.DeviceID)
		got <- payload
	})))
	c := h.dial(t)
	authorize(t, c, h.dev)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}))
	send(t, c, []byte("not json"))
	send(t, c, []byte(`{"type":"transcript","text":"lights on"}`))

	select {
	case payload := <-got:
		assert.Equal(t, "transcript", payload["type"])
		assert.Equal(t, "lights on", payload["text"])
	case <-time.After(5 * time.Second):
		t.Fatal("payload not dispatched")
	}
	assert.Empty(t, got)
}

func TestSend(t *testing.T) {
	h := newHarness(t, nil)

	err := h.gw.Send(context.Background(), "dev1", []byte("audio"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	c := h.dial(t)
	authorize(t, c, h.dev)
	require.Eventually(t, func() bool { return len(h.gw.Sessions()) == 1 }, 5*time.Second, 10*time.Millisecond)

	err = h.gw.Send(context.Background(), "dev1", []byte("audio"))
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(h.srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (1 devices, 0 sessions)", string(body))

	require.NoError(t, h.gw.Stop(context.Background()))

	resp, err = http.Get(h.srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReady_EmptyAllowlist(t *testing.T) {
	gw, err := New(testConfig(t), nil, nil, logging.Discard())
	require.NoError(t, err)
	defer gw.Stop(context.Background())

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStop_DrainsAndDenies(t *testing.T) {
	cfg := testConfig(t)
	cfg.Handshake.Timeout = 5 * time.Second
	cfg.Handshake.DrainTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)

	session := h.dial(t)
	authorize(t, session, h.dev)
	require.Eventually(t, func() bool { return len(h.gw.Sessions()) == 1 }, 5*time.Second, 10*time.Millisecond)

	pending := h.dial(t)
	require.Eventually(t, func() bool { return h.gw.inflight.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	sessionClosed := readCloseAsync(session)
	pendingClosed := readCloseAsync(pending)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Stop(ctx))

	ce := <-sessionClosed
	assert.Equal(t, websocket.StatusGoingAway, ce.Code)
	assert.Equal(t, "server shutting down", ce.Reason)

	ce = <-pendingClosed
	assert.Equal(t, websocket.StatusCode(protocol.CloseDenied), ce.Code)
	assert.Equal(t, "error", ce.Reason)

	attempts := h.sink.Attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, audit.Deny("error"), attempts[1].Status)

	select {
	case <-h.gw.Stopped():
	default:
		t.Fatal("Stopped not closed")
	}

	// No new connections after shutdown
	_, resp, err := websocket.Dial(context.Background(), h.url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestStop_LetsHandshakesFinish(t *testing.T) {
	cfg := testConfig(t)
	cfg.Handshake.DrainTimeout = 5 * time.Second
	h := newHarness(t, cfg)

	c := h.dial(t)
	n := challenge(t, c, h.dev.id, h.dev.pubB64)

	stopped := make(chan error, 1)
	go func() { stopped <- h.gw.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		h.gw.mu.Lock()
		defer h.gw.mu.Unlock()
		return h.gw.closing
	}, 5*time.Second, 5*time.Millisecond)

	send(t, c, protocol.EncodeAuth(auth.Sign(h.dev.priv, n)))
	assert.JSONEq(t, `{"type":"ok"}`, string(read(t, c)))

	// The new session is closed right away because shutdown has begun.
	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusGoingAway, ce.Code)
	require.NoError(t, <-stopped)
	assert.Equal(t, audit.StatusOK, h.sink.Attempts()[0].Status)
}

func TestStartAndRun_TCP(t *testing.T) {
	cfg := testConfig(t)
	dev := newTestDevice(t, "dev1")
	al, err := allowlist.New([]allowlist.Entry{{DeviceID: dev.id, PublicKey: dev.pubB64}}, nil)
	require.NoError(t, err)

	gw, err := New(cfg, al, nil, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run(ctx) }()

	require.Eventually(t, func() bool { return gw.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, gw.Start(ctx), ErrAlreadyStarted)

	c, _, err := websocket.Dial(context.Background(), "ws://"+gw.Addr().String()+"/", nil)
	require.NoError(t, err)
	defer c.CloseNow()
	authorize(t, c, dev)

	closed := readCloseAsync(c)
	cancel()
	require.NoError(t, <-runErr)
	assert.Equal(t, websocket.StatusGoingAway, (<-closed).Code)
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", remoteIP(r))

	r.RemoteAddr = "[fd7a:115c::1]:443"
	assert.Equal(t, "fd7a:115c::1", remoteIP(r))

	r.RemoteAddr = ""
	assert.Equal(t, "unknown", remoteIP(r))
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	assert.Error(t, err)
}
