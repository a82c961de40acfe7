// Package loopback is an in-memory binder driver. A Kernel hosts any number
// of Processes, each of which implements binder.Driver. Capabilities and file
// descriptors crossing process boundaries are translated the way a kernel
// driver would translate them:
//   - a capability becomes the receiving process's proxy for the node, one
//     proxy per node per process, so handle identity is pointer identity
//   - a descriptor is duplicated into the receiver
//
// Two-way calls between processes run on the callee's bounded pool; one-way
// calls to a node are queued and delivered in order. Closing a Process kills
// every object it owns and delivers death notifications to linked proxies.
//
// Example Usage:
//
//	k := loopback.NewKernel()
//	server, client := k.NewProcess(1000), k.NewProcess(1001)
//	defer server.Close()
package loopback
