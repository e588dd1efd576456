// Package client is the device side of the NaviVox handshake.
//
// Dial connects, sends hello, signs the challenge and waits for ok:
//
//	key, err := client.LoadKey("device.key")
//	conn, err := client.Dial(ctx, "ws://gateway:8765/", "kitchen", key)
//	if errors.Is(err, client.ErrDenied) { ... }
//	defer conn.Close()
//	err = conn.Ping(ctx)
//
// Used by cmd/fake-device and end-to-end tests.
package client
