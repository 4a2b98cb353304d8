// Package metrics registers the broker's Prometheus collectors and exposes
// them over HTTP via Handler. Components call Timer to time an operation
// and record it against one of the histograms declared here.
package metrics
