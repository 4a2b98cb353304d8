// Package health provides the Checker interface and a process-by-PID
// implementation the Kernel Supervisor's reaper uses to decide when a
// kernel subprocess has died and needs to be restarted.
package health
