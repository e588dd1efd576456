// Package audit records every device handshake outcome in an append-only
// attempt log.
//
// The canonical log is newline-delimited JSON at
// <data.dir>/navivox/attempts.jsonl, one record per attempt:
//
//	{"ts":"2026-10-14T09:12:03.048211Z","remote":"10.0.0.7","device_id":"dev1","pubkey":"...","status":"ok"}
//	{"ts":"2026-10-14T09:12:09.551002Z","remote":"10.0.0.9","device_id":"","pubkey":"","status":"deny:invalid_hello"}
//
// Sinks implement Append; FileSink, MemorySink and Tee are provided here and
// the SQLite index lives in the store package. Handshakes never talk to a sink
// directly: they go through a Recorder, which stamps the time, bounds the
// write and turns any failure into a Result the caller may inspect and then
// drop. An unavailable audit log must never deny a legitimate device.
package audit
