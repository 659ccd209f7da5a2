/*
Package worker runs a background loop with observability, and back-off when there is
no work to do. The workspace sweeper and the metrics reporter both run on it.
*/
package worker
