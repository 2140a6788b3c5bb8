// Package security provides the security-incident audit sink, incident event
// constants, clock-skew helpers, and throttling for incident logging.
package security
