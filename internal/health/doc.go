// Package health holds liveness and readiness probes and their HTTP handlers.
//
// Probes compose with [All] and [Any]. [ShutdownGate] fails readiness as soon
// as shutdown begins so load balancers drain the instance before the servers
// stop accepting connections.
package health
