// Package main is the entry point for binderd, the binder daemon.
//
// binderd hosts the service manager as the context manager of an in-process
// loopback kernel and exposes it to other processes on a unix socket. Every
// session sees the service manager as its root object.
//
// The daemon provides:
//   - the service manager (list, check, get, add)
//   - a statistics service registered as "binderd.stats"
//   - Prometheus metrics on /metrics and a JSON summary on /stats
//
// Configuration:
//   - Environment variables (BINDER_SOCKET, LOG_LEVEL, METRICS_ADDR, ...)
//   - An optional YAML file named by BINDER_CONFIG; environment wins
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
