// ABOUTME: Tests for post-authorization frame handling
// ABOUTME: Verifies ping replies, JSON payload surfacing and binary discard

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/navivox-gateway/internal/protocol"
)

func TestHandleSessionFrame(t *testing.T) {
	ev := HandleSessionFrame(protocol.Text([]byte(`{"type":"ping"}`)))
	assert.JSONEq(t, `{"type":"pong"}`, string(ev.Reply))
	assert.Nil(t, ev.Payload)

	ev = HandleSessionFrame(protocol.Text([]byte(`{"type":"transcript","text":"hi"}`)))
	assert.Nil(t, ev.Reply)
	assert.Equal(t, "hi", ev.Payload["text"])

	assert.Equal(t, SessionEvent{}, HandleSessionFrame(protocol.Text([]byte("ping"))))
	assert.Equal(t, SessionEvent{}, HandleSessionFrame(protocol.Binary([]byte{0, 1, 2})))
	assert.Equal(t, SessionEvent{}, HandleSessionFrame(protocol.Binary([]byte(`{"type":"ping"}`))))
}

func TestVerifySignature(t *testing.T) {
	dev := newTestDevice(t, "dev1")
	msg := []byte("nonce")

	assert.NoError(t, VerifySignature(dev.pubB64, Sign(dev.priv, msg), msg))
	assert.ErrorIs(t, VerifySignature(dev.pubB64, Sign(dev.priv, []byte("other")), msg), ErrBadSignature)
	assert.Error(t, VerifySignature("AAAA", Sign(dev.priv, msg), msg))
	assert.Error(t, VerifySignature("%%%", Sign(dev.priv, msg), msg))
}
