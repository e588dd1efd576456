// ABOUTME: Wire frames for the device handshake: hello, challenge, auth, ok, ping, pong
// ABOUTME: Frames are JSON text messages; binary frames carry no control meaning

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message types.
const (
	TypeHello     = "hello"
	TypeChallenge = "challenge"
	TypeAuth      = "auth"
	TypeOK        = "ok"
	TypePing      = "ping"
	TypePong      = "pong"
)

// CloseDenied is the WebSocket close code sent with every denial.
const CloseDenied = 4003

// DefaultMaxFrameBytes bounds a single inbound frame.
const DefaultMaxFrameBytes = 4 << 20

// Errors returned by the decoders.
var (
	ErrBinaryFrame = errors.New("binary frame")
	ErrNotObject   = errors.New("frame is not a JSON object")
	ErrWrongType   = errors.New("unexpected message type")
	ErrMissing     = errors.New("missing required field")
)

// Kind distinguishes text and binary frames.
type Kind int

const (
	KindText Kind = iota
	KindBinary
)

func (k Kind) String() string {
	if k == KindBinary {
		return "binary"
	}
	return "text"
}

// Frame is one received message as delivered by the transport.
type Frame struct {
	Kind Kind
	Data []byte
}

// Text builds a text frame.
func Text(data []byte) Frame {
	return Frame{Kind: KindText, Data: data}
}

// Binary builds a binary frame.
func Binary(data []byte) Frame {
	return Frame{Kind: KindBinary, Data: data}
}

// Hello is the first client frame.
type Hello struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Pubkey   string `json:"pubkey"`
}

// Challenge carries the base64 nonce to sign.
type Challenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// Auth is the client's signature over the challenge nonce.
type Auth struct {
	Type      string  `json:"type"`
	Signature *string `json:"signature"`
}

// Control is a bodyless frame (ok, ping, pong).
type Control struct {
	Type string `json:"type"`
}

// DecodeObject parses a text frame as a JSON object.
func DecodeObject(f Frame) (map[string]any, error) {
	if f.Kind != KindText {
		return nil, ErrBinaryFrame
	}
	var obj map[string]any
	if err := json.Unmarshal(f.Data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if obj == nil {
		return nil, ErrNotObject
	}
	return obj, nil
}

// TypeOf returns the "type" of a decoded object, or "" when it is absent or not a string.
func TypeOf(obj map[string]any) string {
	s, _ := obj["type"].(string)
	return s
}

// decodeTyped checks f is a JSON object of type want and decodes it into v.
func decodeTyped(f Frame, want string, v any) error {
	obj, err := DecodeObject(f)
	if err != nil {
		return err
	}
	if got := TypeOf(obj); got != want {
		return fmt.Errorf("%w: got %q, want %q", ErrWrongType, got, want)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", want, err)
	}
	return nil
}

// DecodeHello parses a hello frame. device_id and pubkey are trimmed and must
// be non-empty.
func DecodeHello(f Frame) (Hello, error) {
	var h Hello
	if err := decodeTyped(f, TypeHello, &h); err != nil {
		return Hello{}, err
	}
	h.DeviceID = strings.TrimSpace(h.DeviceID)
	h.Pubkey = strings.TrimSpace(h.Pubkey)
	if h.DeviceID == "" {
		return Hello{}, fmt.Errorf("%w: device_id", ErrMissing)
	}
	if h.Pubkey == "" {
		return Hello{}, fmt.Errorf("%w: pubkey", ErrMissing)
	}
	return h, nil
}

// DecodeAuth parses an auth frame. The signature must be present as a string;
// its content is checked by signature verification.
func DecodeAuth(f Frame) (Auth, error) {
	var a Auth
	if err := decodeTyped(f, TypeAuth, &a); err != nil {
		return Auth{}, err
	}
	if a.Signature == nil {
		return Auth{}, fmt.Errorf("%w: signature", ErrMissing)
	}
	return a, nil
}

// DecodeChallenge parses a challenge frame (client side).
func DecodeChallenge(f Frame) (Challenge, error) {
	var c Challenge
	if err := decodeTyped(f, TypeChallenge, &c); err != nil {
		return Challenge{}, err
	}
	if c.Nonce == "" {
		return Challenge{}, fmt.Errorf("%w: nonce", ErrMissing)
	}
	return c, nil
}

func encode(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding these fixed structs cannot fail.
	_ = enc.Encode(v)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// EncodeHello encodes a hello frame.
func EncodeHello(deviceID, pubkey string) []byte {
	return encode(Hello{Type: TypeHello, DeviceID: deviceID, Pubkey: pubkey})
}

// EncodeChallenge encodes a challenge frame for a base64 nonce.
func EncodeChallenge(nonce string) []byte {
	return encode(Challenge{Type: TypeChallenge, Nonce: nonce})
}

// EncodeAuth encodes an auth frame for a base64 signature.
func EncodeAuth(signature string) []byte {
	return encode(Auth{Type: TypeAuth, Signature: &signature})
}

// EncodeControl encodes a bodyless frame such as ok, ping or pong.
func EncodeControl(typ string) []byte {
	return encode(Control{Type: typ})
}
