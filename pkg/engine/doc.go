// Package engine wraps everything node-local about the managed search
// engine: its REST API, its systemd unit and bundled tools, and the
// host requirements it needs met before it will run.
//
// API calls target the local node first. Operations that must succeed
// while the local daemon is down, such as membership queries during a
// restart, walk the alternate hosts published by the other fleet
// members.
package engine
