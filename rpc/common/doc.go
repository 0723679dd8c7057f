// Package common provides the data structures shared by the object server's
// RPC client and server.
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication. One Message
//     type carries every request and response; which fields are used depends
//     on the MessageType. Factory functions build the common request shapes.
//
//   - MessageType: Enumeration of all operations, grouped into session,
//     transaction, object, field and read operations. Encoded as a string in
//     JSON.
//
//   - ErrorInfo: Wire form of a *db.Error. Return codes survive the round
//     trip, so clients can branch on db.IsCode.
//
//   - ServerConfig, ClientConfig: Configuration of server and client, with
//     String methods rendering the sectioned dump logged at startup.
//
//   - Logger: Custom log format plugged into dragonboat's logger package,
//     installed by InitLoggers.
package common
