// Package health holds the liveness and readiness probes served on the
// public /-/healthy and /-/ready routes and on the admin listener.
//
// A [Probe] returns nil when healthy and an error naming the reason
// otherwise. [All] combines probes, [Ping] adapts a dependency such as the
// database client, and [Fixed] is a constant probe for tests and defaults.
package health
