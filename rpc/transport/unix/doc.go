// Package unix implements the Unix domain socket transport of the object
// server's RPC layer for clients on the same machine. The endpoint is the
// socket path; a stale socket file is removed before listening.
//
// Framing, multiplexing and reconnecting come from the base package. The
// default server read buffer is 64 KB.
package unix
