/*
Package server manages HTTP/HTTPS server lifecycle: non-blocking
startup, graceful shutdown, and system signal handling.

Manager wraps net/http.Server with a listener, an asynchronous error
channel, and Start/StartTLS/Shutdown/WaitForShutdown methods.
WaitForShutdown listens for SIGINT/SIGTERM and drains in-flight
requests within the configured shutdown timeout.
*/
package server
