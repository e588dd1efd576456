// Package store provides a SQLite index of handshake attempts.
//
// The JSONL attempt log remains the canonical audit record; when
// audit.sqlite is enabled every attempt is mirrored into
// <data.dir>/navivox/attempts.db so operators can filter by device, outcome
// and time without scanning the whole log:
//
//	s, err := store.NewAttemptStore(path)
//	entries, err := s.List(ctx, store.AttemptFilter{DeviceID: &id, Limit: 20})
//
// AttemptStore satisfies audit.Sink and is combined with the file sink via
// audit.Tee. Rows are insert-only; nothing in the gateway updates or deletes them.
package store
