/*
Package system manages the startup, running, metrics and shutdown of the service.

The service runs HTTP servers and background worker loops, and must shut down cleanly
when told to. It also waits a little before shutting down, so that in-flight jobs are
not cut off by a rolling deploy.
*/
package system
