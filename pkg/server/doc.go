// Package server holds the launch configuration of the users consumer
// process: working directory, pid file, log paths, listen sockets, worker
// count and timeout.
//
// A configuration is read once at start with Load, resolved against its
// working directory with Resolve, and is not modified afterwards. The
// listen sockets it describes are opened with OpenListeners; unix sockets
// honour the configured backlog, TCP sockets additionally honour tcp_nopush.
package server
