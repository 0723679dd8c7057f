// Package serializer provides message serialization for the object server's
// RPC layer. It defines a common interface and two implementations used to
// encode Messages between client and server.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must
//     satisfy. Besides Messages it encodes arbitrary values, so a serializer
//     doubles as the codec of the file journal (journal.Codec).
//
//   - jsonSerializerImpl: JSON encoding. Human-readable, useful for debugging
//     and for clients written in other languages. The default.
//
//   - gobSerializerImpl: Go's gob encoding. Smaller payloads for Go clients.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, err := serializer.New("json")
//	data, err := s.Serialize(message)
//	// ... send data ...
//	var received common.Message
//	err = s.Deserialize(receivedData, &received)
package serializer
