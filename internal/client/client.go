// ABOUTME: Device-side handshake client over WebSocket
// ABOUTME: Performs hello, challenge signing and ok, then offers ping and JSON send

package client

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/navivox-gateway/internal/auth"
	"github.com/2389/navivox-gateway/internal/protocol"
)

// ErrDenied matches every *DeniedError.
var ErrDenied = errors.New("handshake denied")

// DeniedError is a 4003 close from the gateway.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("handshake denied: %s", e.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// Conn is an authorized device connection. Reads are not safe for concurrent use.
type Conn struct {
	ws       *websocket.Conn
	deviceID string
}

// Dial connects to url and authenticates as deviceID. The whole handshake is
// bounded by ctx.
func Dial(ctx context.Context, url, deviceID string, key ed25519.PrivateKey) (*Conn, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key")
	}
	pub, _ := key.Public().(ed25519.PublicKey)

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	c := &Conn{ws: ws, deviceID: deviceID}
	if err := c.handshake(ctx, base64.StdEncoding.EncodeToString(pub), key); err != nil {
		_ = ws.CloseNow()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, pubB64 string, key ed25519.PrivateKey) error {
	if err := c.ws.Write(ctx, websocket.MessageText, protocol.EncodeHello(c.deviceID, pubB64)); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	data, err := c.readText(ctx)
	if err != nil {
		return err
	}
	ch, err := protocol.DecodeChallenge(protocol.Text(data))
	if err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}
	n, err := base64.StdEncoding.DecodeString(ch.Nonce)
	if err != nil {
		return fmt.Errorf("decoding nonce: %w", err)
	}

	if err := c.ws.Write(ctx, websocket.MessageText, protocol.EncodeAuth(auth.Sign(key, n))); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	data, err = c.readText(ctx)
	if err != nil {
		return err
	}
	obj, err := protocol.DecodeObject(protocol.Text(data))
	if err != nil || protocol.TypeOf(obj) != protocol.TypeOK {
		return fmt.Errorf("unexpected reply to auth: %s", data)
	}
	return nil
}

// readText returns the next text frame, translating a denial close.
func (c *Conn) readText(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusCode(protocol.CloseDenied) {
				var ce websocket.CloseError
				errors.As(err, &ce)
				return nil, &DeniedError{Reason: ce.Reason}
			}
			return nil, fmt.Errorf("reading from gateway: %w", err)
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

// DeviceID returns the authenticated device id.
func (c *Conn) DeviceID() string { return c.deviceID }

// Ping sends a ping and waits for the pong. Other frames are skipped.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.ws.Write(ctx, websocket.MessageText, protocol.EncodeControl(protocol.TypePing)); err != nil {
		return fmt.Errorf("sending ping: %w", err)
	}
	for {
		data, err := c.readText(ctx)
		if err != nil {
			return err
		}
		obj, err := protocol.DecodeObject(protocol.Text(data))
		if err == nil && protocol.TypeOf(obj) == protocol.TypePong {
			return nil
		}
	}
}

// SendJSON writes v as a text frame.
func (c *Conn) SendJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.ws, v)
}

// SendAudio writes a binary frame. The gateway currently discards these.
func (c *Conn) SendAudio(ctx context.Context, chunk []byte) error {
	return c.ws.Write(ctx, websocket.MessageBinary, chunk)
}

// Close performs a normal close.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
