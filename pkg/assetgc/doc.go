// Package assetgc implements the lease-based Asset Garbage Collector (spec
// component F): it stores large offloaded outputs zstd-compressed under an
// assets directory and reclaims them only on an explicit client-triggered
// prune, never on an autonomous wall-clock sweep.
package assetgc
