// Package deployment turns operator configuration into the fleet's
// deployment description and polices it: declared roles must match
// reality exactly, and an engine may not sit in another fleet's
// cluster. Violations block, they never restart.
package deployment
