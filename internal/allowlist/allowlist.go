// ABOUTME: Allowlist of trusted voice devices and their Ed25519 public keys
// ABOUTME: Built once from configuration, read-only and safe for concurrent lookups

package allowlist

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

var (
	// ErrDuplicateDevice indicates two entries share a device_id.
	ErrDuplicateDevice = errors.New("duplicate device_id")

	// ErrInvalidKey indicates a configured key is not a usable Ed25519 public key.
	ErrInvalidKey = errors.New("invalid public key")

	// ErrConflictingKeys indicates an entry sets both key forms.
	ErrConflictingKeys = errors.New("public_key and ssh_public_key are mutually exclusive")
)

// Entry is one configured device, as written in YAML or the TOML devices file.
type Entry struct {
	DeviceID     string `yaml:"device_id" toml:"device_id"`
	PublicKey    string `yaml:"public_key" toml:"public_key"`
	SSHPublicKey string `yaml:"ssh_public_key" toml:"ssh_public_key"`
}

// Device is an allowlisted device identity.
type Device struct {
	ID          string
	PublicKey   ed25519.PublicKey // nil when the device is known without a key
	Fingerprint string

	encoded string // canonical base64 of PublicKey
}

// HasKey reports whether the device has an allowlisted public key.
func (d *Device) HasKey() bool {
	return len(d.PublicKey) == ed25519.PublicKeySize
}

// MatchResult is the outcome of comparing a claimed key against the allowlist.
type MatchResult int

const (
	// MatchOK means the device is known and the claimed key equals the allowlisted key.
	MatchOK MatchResult = iota
	// MatchUnknown means the device is absent or has no allowlisted key.
	MatchUnknown
	// MatchMismatch means the device is known but the claimed key differs.
	MatchMismatch
)

func (r MatchResult) String() string {
	switch r {
	case MatchOK:
		return "ok"
	case MatchUnknown:
		return "unknown"
	case MatchMismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("MatchResult(%d)", int(r))
	}
}

// Allowlist maps device IDs to their identities. The zero value is an empty allowlist.
type Allowlist struct {
	devices map[string]*Device
}

// New builds an Allowlist from configured entries. Entries without a device_id
// are skipped with a warning. Duplicate IDs and malformed keys are errors.
func New(entries []Entry, logger *slog.Logger) (*Allowlist, error) {
	if logger == nil {
		logger = slog.Default()
	}

	devices := make(map[string]*Device, len(entries))
	for i, e := range entries {
		id := strings.TrimSpace(e.DeviceID)
		if id == "" {
			logger.Warn("skipping allowlist entry without device_id", "index", i)
			continue
		}
		if _, exists := devices[id]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateDevice, id)
		}

		dev, err := parseEntry(id, e)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", id, err)
		}
		devices[id] = dev
	}

	return &Allowlist{devices: devices}, nil
}

// Validate reports the first problem New would reject the entries for.
func Validate(entries []Entry) error {
	_, err := New(entries, slog.New(slog.DiscardHandler))
	return err
}

func parseEntry(id string, e Entry) (*Device, error) {
	raw := strings.TrimSpace(e.PublicKey)
	sshLine := strings.TrimSpace(e.SSHPublicKey)

	var (
		pub ed25519.PublicKey
		err error
	)
	switch {
	case raw != "" && sshLine != "":
		return nil, ErrConflictingKeys
	case raw != "":
		pub, err = ParsePublicKey(raw)
	case sshLine != "":
		pub, err = ParseSSHPublicKey(sshLine)
	default:
		return &Device{ID: id}, nil
	}
	if err != nil {
		return nil, err
	}

	return &Device{
		ID:          id,
		PublicKey:   pub,
		Fingerprint: Fingerprint(pub),
		encoded:     base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// Lookup returns the allowlisted key for an exact, case-sensitive device ID.
// The boolean is false when the device is unknown or known without a key.
func (a *Allowlist) Lookup(deviceID string) (ed25519.PublicKey, bool) {
	dev, ok := a.device(deviceID)
	if !ok || !dev.HasKey() {
		return nil, false
	}
	return dev.PublicKey, true
}

// Device returns the identity for a device ID.
func (a *Allowlist) Device(deviceID string) (Device, bool) {
	dev, ok := a.device(deviceID)
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// Known reports whether the device ID appears in the allowlist at all.
func (a *Allowlist) Known(deviceID string) bool {
	_, ok := a.device(deviceID)
	return ok
}

// Match compares a claimed base64 key against the allowlisted key of deviceID.
// The comparison runs in constant time over the canonical encoding.
func (a *Allowlist) Match(deviceID, claimed string) MatchResult {
	dev, ok := a.device(deviceID)
	if !ok || !dev.HasKey() {
		return MatchUnknown
	}
	if subtle.ConstantTimeCompare([]byte(claimed), []byte(dev.encoded)) != 1 {
		return MatchMismatch
	}
	return MatchOK
}

// Len returns the number of allowlisted device IDs, with or without keys.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.devices)
}

// IDs returns the allowlisted device IDs in sorted order.
func (a *Allowlist) IDs() []string {
	if a == nil {
		return nil
	}
	ids := make([]string, 0, len(a.devices))
	for id := range a.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Allowlist) device(deviceID string) (*Device, bool) {
	if a == nil || a.devices == nil {
		return nil, false
	}
	dev, ok := a.devices[deviceID]
	return dev, ok
}
