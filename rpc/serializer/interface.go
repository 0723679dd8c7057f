package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dObj/rpc/common"
)

// IRPCSerializer is the interface for all Message Serializers. Every
// serializer can also encode arbitrary values, which makes it usable as
// the codec of the file journal.
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize deserializes a byte array into a Message
	// It takes a byte array and a pointer to a Message as parameters
	// It returns an error if any
	Deserialize(b []byte, msg *common.Message) error

	// Encode serializes any value (journal.Codec)
	Encode(v any) ([]byte, error)
	// Decode deserializes data into the value v points to (journal.Codec)
	Decode(data []byte, v any) error
}

// New returns the serializer with the given name.
func New(name string) (IRPCSerializer, error) {
	switch name {
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer: %s (must be json or gob)", name)
	}
}
