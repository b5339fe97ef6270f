/*
Package types defines the shared data model of the orchestrator.

It contains the node and role types produced by the topology planner,
the role-assignment Plan broadcast through the fleet store, the
DeploymentDescription governing role layout, the HealthColor enum the
lifecycle controller gates on, and the four-class fault taxonomy used
everywhere:

  - TransientError: infrastructure hiccup, defer the event and retry
  - PolicyError: operator must fix the declared deployment, terminal
  - AvailabilityError: the operation would break cluster availability
  - InvariantError: programming error, fail fast

Classification helpers (IsTransient, IsPolicy, IsAvailability) work
through errors.As/Is so wrapped errors classify correctly.

Roles follow the managed engine's model: cluster_manager nodes are
quorum-eligible, voting_only nodes vote without being CM-eligible and
always also hold data, and data nodes hold shards. A voting_only role
therefore implies data; Node.Validate enforces it.
*/
package types
