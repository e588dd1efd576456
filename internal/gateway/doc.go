// Package gateway is the NaviVox connection server.
//
// It accepts WebSocket connections on a configured path, runs one handshake
// per connection and promotes authorized connections to sessions:
//
//	gw, err := gateway.New(cfg, allow, recorder, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is cancelled, then drains
//
// Each connection owns a reader goroutine that feeds frames to the handshake
// driver, so receive deadlines are enforced by a timer rather than by
// cancelling a read. The driver applies auth.Machine steps, writes every
// outcome through the audit.Recorder and closes denied connections with code
// 4003 and the denial reason.
//
// Authorized sessions answer ping with pong and hand JSON objects to the
// configured Dispatcher. Binary frames are reserved for audio and dropped.
//
// # Shutdown
//
// Stop closes the listener, closes authorized sessions with 1001, then gives
// in-flight handshakes up to handshake.drain_timeout to finish on their own.
// Whatever is still running after that is denied with reason "error".
package gateway
