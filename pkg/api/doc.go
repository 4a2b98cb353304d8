// Package api implements the broker's external interface (spec.md §6): an
// HTTP+JSON surface exposing each client-initiated operation as a POST
// endpoint, plus a chunked newline-delimited JSON notification stream that
// drives the Fan-out Hub's subscriber set on connect/disconnect. Every
// route is checked by a bearer-token middleware grounded on the teacher's
// read-only gRPC interceptor (see pkg/api/interceptor.go in the teacher
// tree), adapted here to plain net/http.
package api
