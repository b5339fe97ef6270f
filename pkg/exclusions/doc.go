// Package exclusions manages the engine's voting and allocation
// exclusion lists around node stops. Excluding a voter before it stops
// keeps quorum arithmetic honest; excluding a data node drains its
// shards first. Exclusions a node fails to remove after restarting are
// recorded for the coordinator to sweep, so none outlive the stop they
// served.
package exclusions
