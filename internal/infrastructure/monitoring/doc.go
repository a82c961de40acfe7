/*
Package monitoring provides Prometheus metrics for binder daemons.

# Overview

Metrics plugs into the core through its observer hooks: it is a
binder.TransactionObserver for the dispatcher, a loopback.Observer for node
lifecycle, and a remote.Observer for sessions.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	go metrics.Run(ctx)

	kernel := loopback.NewKernel(loopback.WithObserver(metrics))
	dispatcher := binder.NewDispatcher(proc, binder.WithObserver(metrics))

# Metrics Endpoint

	router := monitoring.Router(metrics, reg)
	_ = http.ListenAndServe(addr, router)
*/
package monitoring
