// Package coordination runs the fleet's consensus plane.
//
// Every agent embeds a raft node. The elected leader is the fleet
// coordinator: the only member that computes role plans, admits joins,
// and writes fleet-scope state. All shared state travels through the
// replicated log into each member's local store, so reads are always
// local and survive coordinator loss.
//
// Followers cannot write directly. Their node-scope updates and lock
// operations are forwarded to the coordinator's admin API, which
// re-proposes them after checking the origin stays inside its own
// namespace.
//
// Join and forwarding requests authenticate with signed tokens minted
// by the TokenManager.
package coordination
