// Package health exposes liveness and readiness probes for the admin port.
//
// A [Probe] returns nil when healthy. [All] combines probes, [Condition]
// turns a boolean accessor (for example "custom rules are installed") into
// a probe, and [ShutdownGate] fails readiness while the server drains so
// load balancers stop routing before in-flight requests finish.
package health
