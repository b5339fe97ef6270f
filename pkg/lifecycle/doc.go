// Package lifecycle walks the local engine through its state machine.
//
// The controller consumes tagged events from a single dispatch loop
// and converges on the planned state:
//
//	NOT_STARTED -> STARTING -> UP -> STOPPING -> NOT_STARTED
//
// A restart is the stop sequence followed by the start sequence, never
// a shortcut. Starts pass an admission gate first: host prerequisites,
// transport certificates, the fleet's one-time security bootstrap and
// settled cluster health, which throttles scale-ups to one joining
// node at a time. Stops serialize on the fleet's removal lock and
// bracket the service stop with voting and allocation exclusions.
//
// Event outcomes classify the fault taxonomy. Transient faults requeue
// the event for redelivery on the next tick. Policy violations park
// the node in BLOCKED, which only a configuration change clears.
// Availability faults abort and surface. The tick itself re-runs
// convergence, so a node that missed an event still settles.
//
// On the coordinator the same loop also carries the fleet duties:
// deployment description, fleet CA, role plan reconciliation and the
// exclusion cleanup sweep.
package lifecycle
