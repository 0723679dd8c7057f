package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dObj/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return j.Encode(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	return j.Decode(b, msg)
}

func (j jsonSerializerImpl) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (j jsonSerializerImpl) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
