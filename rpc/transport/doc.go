// Package transport defines the interfaces for RPC communication between
// object server clients and the server. A transport moves opaque byte
// payloads; encoding is the job of the serializer and session routing is
// carried inside the Message.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and hands them to the registered handler.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
//
// The only implementation is HTTP (package transport/http).
package transport
