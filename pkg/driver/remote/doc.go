// Package remote carries binder capabilities between processes over a gRPC
// bidirectional stream. A Session is one such stream; each side exports the
// objects it sends and holds proxies for the objects it receives, so
// capabilities keep their identity, their reference counts and their death
// notifications across the connection.
//
// Frames are CBOR encoded and large payloads are zstd compressed. File
// descriptors cannot cross a session and fail with FdsNotAllowed. Losing the
// stream kills every proxy of the session.
//
// Example Usage:
//
//	ep, err := remote.NewEndpoint(root, remote.WithLogger(logger))
//	lis, _ := net.Listen("unix", "/tmp/binderd.sock")
//	go ep.Serve(lis)
//
//	s, err := remote.NewDialer("unix:///tmp/binderd.sock").Dial(ctx)
//	sm, err := s.Root()
package remote
