// Package base implements the framed socket transport shared by the tcp and
// unix transports of the object server. The socket specific parts (dialing,
// listening, socket options) are injected through IClientConnector and
// IServerConnector.
//
// Every request and response travels as one frame:
//
//	8 bytes  request id (big endian)
//	4 bytes  payload length (big endian)
//	N bytes  payload (a serialized Message)
//
// The client multiplexes concurrent requests over its connections and matches
// responses by request id. It spreads requests round-robin across all
// connections to all endpoints, may open several connections per endpoint and
// reconnects after a connection is lost. A request is only retried while it
// could not be written; once it reached the server a failure is returned to
// the caller, since the server may already have executed it.
//
// The server reads frames from each connection and hands them to a bounded
// number of worker goroutines per connection. Read buffers are pooled.
// Responses may leave a connection in a different order than the requests
// arrived.
package base
