// Package engineconf renders the engine's on-disk configuration from
// fleet state: node identity and roles, discovery seeds, and the
// one-shot cluster bootstrap list that has to disappear once the
// cluster has formed.
package engineconf
