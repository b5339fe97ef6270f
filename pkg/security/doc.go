// Package security covers the fleet's credential material: the engine
// admin password and its bcrypt hash, AES-256-GCM sealing for secrets
// that live in the replicated store, and the embedded certificate
// authority behind the engine's TLS layers.
package security
