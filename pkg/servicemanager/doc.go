// Package servicemanager provides the name registry through which processes
// publish and discover capabilities.
//
// The Manager is an ordinary binder service: serve it with a
// binder.Dispatcher and publish its handle as the context manager. Replies
// begin with a status header, so application failures (bad names, null
// services) come back as exceptions rather than transport errors.
//
// Registered services living in other processes are watched with death
// links and dropped as soon as their owner dies. The Client never caches
// handles; every call asks the registry.
//
// Example Usage:
//
//	sm, err := servicemanager.NewClient(ctx, contextManager)
//	if err != nil {
//		return err
//	}
//	defer sm.Close()
//
//	if err := sm.Register(ctx, "media.player", player); err != nil {
//		return err
//	}
//	h, err := sm.Lookup(ctx, "media.player")
package servicemanager
