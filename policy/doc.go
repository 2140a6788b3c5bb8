// Package policy implements the token policy engine: the process-wide,
// versioned token policy snapshot and the pure stamping function that applies
// lifetimes and rotation rules to every issued token pair.
package policy
