// Package config loads the broker's configuration surface (spec.md §6)
// from environment variables, optionally overridden by a YAML file, the
// same precedence the teacher's cmd/warren applies to its own flags.
package config
