// ABOUTME: Per-connection handshake state machine with pure transitions
// ABOUTME: Consumes hello and auth frames, issues the challenge and reaches Authorized or Denied

package auth

import (
	"errors"
	"time"

	"github.com/2389/navivox-gateway/internal/allowlist"
	"github.com/2389/navivox-gateway/internal/audit"
	"github.com/2389/navivox-gateway/internal/nonce"
	"github.com/2389/navivox-gateway/internal/protocol"
)

// KeyMatcher checks a claimed public key against the allowlist.
// *allowlist.Allowlist satisfies it.
type KeyMatcher interface {
	Match(deviceID, claimed string) allowlist.MatchResult
}

// MachineConfig configures a Machine.
type MachineConfig struct {
	Allowlist KeyMatcher
	// Nonce issues challenges. Defaults to nonce.Generate.
	Nonce func() (nonce.Nonce, error)
}

// Step is the outcome of one transition.
type Step struct {
	State State
	// Reply is the frame to send, if any: a challenge after hello, ok after
	// a valid signature.
	Reply []byte
	// Reason is set when State is StateDenied.
	Reason Reason
	// Err describes a denial.
	Err error
}

// Denied reports whether the step ended the handshake with a denial.
func (s Step) Denied() bool {
	return s.State == StateDenied
}

// Machine is the handshake for one connection. It is not safe for concurrent use.
type Machine struct {
	allow    KeyMatcher
	newNonce func() (nonce.Nonce, error)

	state    State
	reason   Reason
	deviceID string
	pubkey   string
	nonce    nonce.Nonce
}

// NewMachine creates a machine in StateAwaitingHello.
func NewMachine(cfg MachineConfig) *Machine {
	gen := cfg.Nonce
	if gen == nil {
		gen = nonce.Generate
	}
	return &Machine{
		allow:    cfg.Allowlist,
		newNonce: gen,
		state:    StateAwaitingHello,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Reason returns the denial reason, or "" unless denied.
func (m *Machine) Reason() Reason { return m.reason }

// DeviceID returns the device id claimed in a valid hello.
func (m *Machine) DeviceID() string { return m.deviceID }

// Pubkey returns the base64 public key claimed in a valid hello.
func (m *Machine) Pubkey() string { return m.pubkey }

// Receive applies one inbound frame.
func (m *Machine) Receive(f protocol.Frame) Step {
	switch m.state {
	case StateAwaitingHello:
		return m.receiveHello(f)
	case StateAwaitingAuth:
		return m.receiveAuth(f)
	default:
		return m.current()
	}
}

// Timeout applies an elapsed receive deadline.
func (m *Machine) Timeout() Step {
	if m.state.Terminal() {
		return m.current()
	}
	return m.deny(ReasonTimeout, nil)
}

// Fail applies an unexpected error. Non-terminal states move to
// Denied("error"); err keeps its kind if it is already an *Error.
func (m *Machine) Fail(err error) Step {
	if m.state.Terminal() {
		return m.current()
	}
	var he *Error
	if errors.As(err, &he) {
		m.state, m.reason = StateDenied, ReasonError
		return Step{State: m.state, Reason: m.reason, Err: Wrap(he.Kind, ReasonError, err)}
	}
	return m.deny(ReasonError, err)
}

func (m *Machine) receiveHello(f protocol.Frame) Step {
	hello, err := protocol.DecodeHello(f)
	if err != nil {
		return m.deny(ReasonInvalidHello, err)
	}
	m.deviceID = hello.DeviceID
	m.pubkey = hello.Pubkey

	if m.allow == nil {
		return m.deny(ReasonNotAllowed, nil)
	}
	switch m.allow.Match(hello.DeviceID, hello.Pubkey) {
	case allowlist.MatchOK:
	case allowlist.MatchMismatch:
		return m.deny(ReasonPubkeyMismatch, nil)
	default:
		return m.deny(ReasonNotAllowed, nil)
	}

	n, err := m.newNonce()
	if err != nil {
		return m.deny(ReasonError, err)
	}
	m.nonce = n
	m.state = StateAwaitingAuth
	return Step{State: m.state, Reply: protocol.EncodeChallenge(n.String())}
}

func (m *Machine) receiveAuth(f protocol.Frame) Step {
	a, err := protocol.DecodeAuth(f)
	if err != nil {
		return m.deny(ReasonInvalidAuth, err)
	}
	if err := VerifySignature(m.pubkey, *a.Signature, m.nonce[:]); err != nil {
		return m.deny(ReasonBadSignature, err)
	}
	m.state = StateAuthorized
	return Step{State: m.state, Reply: protocol.EncodeControl(protocol.TypeOK)}
}

func (m *Machine) deny(reason Reason, inner error) Step {
	m.state = StateDenied
	m.reason = reason
	return Step{State: m.state, Reason: reason, Err: Wrap(reason.Kind(), reason, inner)}
}

func (m *Machine) current() Step {
	return Step{State: m.state, Reason: m.reason}
}

// Attempt builds the attempt log entry for the current outcome. It is only
// meaningful in a terminal state.
func (m *Machine) Attempt(remote string, now time.Time) audit.Attempt {
	status := audit.StatusOK
	if m.state != StateAuthorized {
		reason := m.reason
		if reason == "" {
			reason = ReasonError
		}
		status = audit.Deny(string(reason))
	}
	return audit.Attempt{
		Time:     now.UTC(),
		Remote:   remote,
		DeviceID: m.deviceID,
		Pubkey:   m.pubkey,
		Status:   status,
	}
}
