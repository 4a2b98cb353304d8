// Package log wraps zerolog with the broker's component/task logging
// conventions, configured once at process start via Init.
package log
