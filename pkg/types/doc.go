// Package types defines the broker's core data model: executions, asset
// leases, and the read-only session projection surfaced to clients.
package types
