/*
Package httpserver runs HTTP servers that shut down gracefully and report connection
metrics. The ginrouter and healthcheck subpackages build the handlers served.
*/
package httpserver
