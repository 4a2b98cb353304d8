// Package kernel implements the Kernel Supervisor (spec component B): it
// spawns one interpreter subprocess per notebook_key, frames JSON messages
// over its stdin/stdout, and restarts it when the reaper finds it dead.
package kernel
