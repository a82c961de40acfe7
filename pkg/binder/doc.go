// Package binder implements an object-capability IPC layer over a pluggable
// driver.
//
// Core types:
//   - Parcel: position-addressable marshalling buffer with an object table
//     for capabilities and file descriptors
//   - Handle / WeakHandle: reference-counted capabilities
//   - DeathLink: one-shot notification when a capability's owner dies
//   - Dispatcher: serves Binder implementations as driver classes
//
// Drivers (see pkg/driver) supply object lifetimes and transaction routing;
// this package layers typed marshalling and status handling on top.
//
// Handlers report transport errors by returning a *status.Status. Application
// level exceptions travel in the reply: write a status header with
// Parcel.WriteStatus and return nil.
//
// Example Usage:
//
//	d := binder.NewDispatcher(proc)
//	h, err := d.NewHandle(&echoService{})
//	if err != nil {
//		return err
//	}
//	defer h.Release()
//
//	got, err := binder.Call(ctx, h, echoCode,
//		func(p *binder.Parcel) error { return p.WriteString("hi") },
//		(*binder.Parcel).ReadString)
package binder
