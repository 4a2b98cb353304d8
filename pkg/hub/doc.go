// Package hub implements the Fan-out Hub (spec component E): it tracks
// connected client subscribers and broadcasts notifications to all of them
// concurrently, never letting one slow subscriber delay another.
package hub
