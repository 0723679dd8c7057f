// Package cmd implements the command-line interface of dObj. It provides a
// hierarchical command structure for running the object server and for
// working with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the object server
//   - obj: Client commands (login check, query, view, set, create, remove, history, stats)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dobj -help for a list of all commands.
package cmd
