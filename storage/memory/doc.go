// Package memory provides an in-memory implementation of all storage
// interfaces. It is intended for development and testing; production
// deployments should use storage/valkey or another distributed backend so
// that atomic redemption is shared across instances.
package memory
