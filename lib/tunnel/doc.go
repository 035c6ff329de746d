// Package tunnel implements the logical circuit over an ordered chain of
// stations: per-hop key negotiation and the layered encryption applied to
// every packet that traverses the path.
//
// # State machine
//
//	Unestablished -> Negotiating -> Established -> TornDown
//
// Negotiation runs hop by hop in path order; each hop derives a session key
// from an ephemeral X25519 exchange against the hop's identity key and
// registers it with the station. Failure at any hop aborts the whole tunnel
// and transitions straight to TornDown — a partially negotiated tunnel is
// never left Established.
//
// # Layering
//
// The destination-most hop's key is applied first (innermost), so each
// station along the travel order strips exactly one layer. Forward traffic
// runs the path in order; backward traffic runs it in reverse with the same
// rule. Every layer's tag binds the routing header exactly as it arrives at
// the station stripping that layer.
//
// # Compromise policy
//
// If any hop fails authentication while stripping its layer, the tunnel is
// treated as compromised and torn down immediately. There is no retry and
// no mid-flight key rotation; retrying a failed authenticated decryption
// cannot succeed and only feeds an attacker probing for oracle behavior.
//
// # Thread safety
//
// All tunnel state (state machine, per-direction sequence counters) is
// guarded by one mutex; sequence allocation inside Encapsulate is the
// serialization point for concurrent senders on the same direction.
package tunnel
