// Package auth implements the device handshake state machine.
//
// A Machine is built per connection and driven by the gateway:
//
//	AwaitingHello --hello ok--> AwaitingAuth --signature ok--> Authorized
//	      |                          |
//	      +------- any failure ------+----------------------> Denied(reason)
//
// Transitions are pure: Receive, Timeout and Fail return a Step describing
// the new state and the frame to send, if any. The machine never touches the
// transport or the attempt log, so every transition is testable in isolation.
// Authorized and Denied are terminal.
//
// Denial reasons are a closed set (see Reason) and appear verbatim both as the
// WebSocket close reason and in the attempt log as "deny:<reason>".
package auth
