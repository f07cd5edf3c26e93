// Package health provides composable probes and the liveness and readiness
// handlers served on the ops port.
//
// Probes combine with [All] (AND) and [Any] (OR); [Fixed] is static and
// [CheckFunc] adapts a plain function. Readiness for the throttle service is
// All(gate, rules loaded): [ShutdownGate] fails readiness the moment drain
// begins so load balancers stop routing before in-flight requests finish.
package health
