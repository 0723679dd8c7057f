// Package tcp implements the TCP socket transport of the object server's RPC
// layer. It supplies the TCP connectors of the base package, which does the
// framing, multiplexing and reconnecting.
//
// The client applies the socket options of common.ClientConfig (TCP_NODELAY,
// buffer sizes, keep-alive, linger) to every connection it dials. The default
// server read buffer is 512 KB.
package tcp
