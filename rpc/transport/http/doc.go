// Package http implements the HTTP transport of the object server's RPC layer.
//
// The server accepts serialized Messages as the body of POST /rpc and answers
// with the serialized response. GET /metrics exposes all registered metrics
// in Prometheus text format.
//
// The client spreads requests round-robin across its configured endpoints and
// retries on the next endpoint after a connection failure. Sessions live in
// the server's memory, so several endpoints only make sense behind a proxy
// with sticky routing. The client is safe for concurrent use.
package http
