/*
Package healthcheck serves the admin endpoints: liveness and readiness built from the
system's health checkers, the metrics handler, and the Go runtime's pprof endpoints.
*/
package healthcheck
