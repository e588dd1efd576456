// ABOUTME: Denial reasons and handshake states
// ABOUTME: Reasons are sent as the close reason and logged as deny:<reason>

package auth

// Reason identifies why a handshake was denied.
type Reason string

const (
	ReasonInvalidHello   Reason = "invalid_hello"
	ReasonNotAllowed     Reason = "not_allowed"
	ReasonPubkeyMismatch Reason = "pubkey_mismatch"
	ReasonInvalidAuth    Reason = "invalid_auth"
	ReasonBadSignature   Reason = "bad_signature"
	ReasonTimeout        Reason = "timeout"
	ReasonError          Reason = "error"
)

// Kind returns the error category of r.
func (r Reason) Kind() Kind {
	switch r {
	case ReasonInvalidHello, ReasonInvalidAuth:
		return KindProtocol
	case ReasonNotAllowed, ReasonPubkeyMismatch, ReasonBadSignature:
		return KindAuthorization
	case ReasonTimeout:
		return KindTimeout
	default:
		return KindInternal
	}
}

// State is a handshake state.
type State int

const (
	StateAwaitingHello State = iota
	StateAwaitingAuth
	StateAuthorized
	StateDenied
)

func (s State) String() string {
	switch s {
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthorized:
		return "authorized"
	case StateDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateAuthorized || s == StateDenied
}
