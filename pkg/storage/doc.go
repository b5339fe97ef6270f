/*
Package storage persists the fleet's shared configuration in a local
bbolt database.

Every member holds its own copy of this store; the consensus layer in
pkg/coordination is the only writer, applying committed commands to it.
That makes the store an eventually-consistent databag: a write proposed
on the coordinator becomes visible on each member once its local log
catches up, and nothing here may assume synchronous visibility.

Layout:

	fleet  bucket: fleet-wide keys (role plan, deployment description,
	               bootstrap flags, sealed admin credential)
	nodes  bucket: "<node>/<key>" entries owned by individual members
	               (published engine host, applied plan hash)
	locks  bucket: fleet-wide mutual-exclusion records (node removal)

Values are plain strings; structured entries go through
GetObject/PutObject as JSON.
*/
package storage
