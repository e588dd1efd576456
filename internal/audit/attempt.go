// ABOUTME: Handshake attempt records and their JSON line encoding
// ABOUTME: Defines the status vocabulary (ok, deny:<reason>) shared by sinks and readers

package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TimeFormat is the UTC ISO-8601 layout of the ts field, microsecond precision with a trailing Z.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// Status is the outcome of one attempt: "ok" or "deny:<reason>".
type Status string

// StatusOK marks a successful handshake.
const StatusOK Status = "ok"

const denyPrefix = "deny:"

// Deny returns the status for a denial with the given reason.
func Deny(reason string) Status {
	return Status(denyPrefix + reason)
}

// OK reports whether the status is a success.
func (s Status) OK() bool {
	return s == StatusOK
}

// Reason returns the denial reason, or "" for a success.
func (s Status) Reason() string {
	if !strings.HasPrefix(string(s), denyPrefix) {
		return ""
	}
	return strings.TrimPrefix(string(s), denyPrefix)
}

// Attempt is one write-once handshake outcome.
type Attempt struct {
	Time     time.Time
	Remote   string
	DeviceID string // may be empty when the failure precedes a valid hello
	Pubkey   string // base64 key as claimed by the client, may be empty
	Status   Status
}

type record struct {
	TS       string `json:"ts"`
	Remote   string `json:"remote"`
	DeviceID string `json:"device_id"`
	Pubkey   string `json:"pubkey"`
	Status   string `json:"status"`
}

// MarshalJSON encodes the attempt with the on-disk field names.
func (a Attempt) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(a.record()); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON decodes an on-disk record.
func (a *Attempt) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, r.TS)
	if err != nil {
		return fmt.Errorf("parsing ts %q: %w", r.TS, err)
	}
	*a = Attempt{
		Time:     ts.UTC(),
		Remote:   r.Remote,
		DeviceID: r.DeviceID,
		Pubkey:   r.Pubkey,
		Status:   Status(r.Status),
	}
	return nil
}

func (a Attempt) record() record {
	return record{
		TS:       a.Time.UTC().Format(TimeFormat),
		Remote:   a.Remote,
		DeviceID: a.DeviceID,
		Pubkey:   a.Pubkey,
		Status:   string(a.Status),
	}
}

// line returns the attempt as a single newline-terminated JSON record.
func (a Attempt) line() ([]byte, error) {
	data, err := a.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Path returns the attempt log location under a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "navivox", "attempts.jsonl")
}
