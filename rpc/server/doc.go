// Package server implements the RPC server of the object store.
//
// The server decodes each request with the configured serializer and hands it
// to an adapter. The session adapter maps every MessageType onto one
// operation of a session.Session: Login creates a session and returns its
// random token, every later request carries that token. Requests with an
// unknown token are rejected. Errors travel back in the response as
// common.ErrorInfo, keeping their return code.
//
// Key Components:
//
//   - IRPCServerAdapter: Interface of request handlers.
//
//   - NewSessionServerAdapter: Adapter dispatching onto the sessions of a
//     session.Manager.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport, serializer and adapter.
//
// Usage Example:
//
//	mgr := session.NewManager(store, session.Options{IdleTimeout: 30 * time.Minute})
//	s := server.NewRPCServer(config, http.NewHttpServerTransport(),
//		serializer.NewJSONSerializer(), server.NewSessionServerAdapter(mgr))
//	if err := s.Serve(ctx); err != nil {
//		log.Fatal(err)
//	}
package server
