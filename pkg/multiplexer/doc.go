// Package multiplexer implements the I/O Multiplexer (spec component C):
// it binds a kernel's own message ids to the task_id that triggered them,
// publishes demultiplexed output in arrival order, and signals completion
// exactly once per execution. Frames that arrive before their bind() are
// held in a bounded, drop-oldest orphan ring rather than discarded.
package multiplexer
