// Package server wires binderd: a loopback kernel hosting the service
// manager as context manager, a remote endpoint exposing it on a unix
// socket, and the optional metrics listener.
package server
