package serialization

import (
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack is a Codec backed by MessagePack.
type Msgpack[V any] struct{}

func (Msgpack[V]) Marshal(v V) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Msgpack[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(data, &v)
	return v, err
}

func (Msgpack[V]) Name() string { return MsgpackType }

// Raw stores []byte values as they are.
type Raw struct{}

func (Raw) Marshal(v []byte) ([]byte, error) {
	if v == nil {
		return nil, errors.New("raw codec: nil value")
	}
	return v, nil
}

func (Raw) Unmarshal(data []byte) ([]byte, error) {
	return data, nil
}

func (Raw) Name() string { return RawType }
