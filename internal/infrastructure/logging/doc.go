// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON on stderr
//   - Development: colored console output
//
// Drivers and services take a plain *zap.Logger; daemons build one here and
// hand out named children with Component.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	kernel := loopback.NewKernel(loopback.WithLogger(logger.Component("loopback")))
//	logger.Info("Endpoint listening", zap.String("socket", path))
package logging
