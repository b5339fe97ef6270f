// Package api serves the agent's admin API.
//
// Every agent listens on a local HTTP port with a small JSON surface:
// read endpoints for status, nodes, health, the removal lock and
// plugin states, and authenticated endpoints for joining the
// coordination plane, minting join tokens, forwarding store writes to
// the coordinator, plugin actions and admin credential rotation.
//
// Authentication uses the fleet's HMAC tokens. Join requests carry a
// join token minted by the coordinator for that specific node; every
// other mutating route requires a short-lived agent token. Both kinds
// derive from the shared fleet secret, so any member validates them
// locally.
//
// Error responses share one envelope, {"code","message"}, with codes
// the client package maps back onto sentinel errors: lock_held,
// not_coordinator, unavailable, bad_request, unauthorized.
//
// The same listener serves /metrics for Prometheus and the /healthz
// and /livez probes.
package api
