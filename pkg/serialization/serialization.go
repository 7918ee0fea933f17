// Package serialization converts cached values to and from bytes.
package serialization

import "github.com/cockroachdb/errors"

const (
	// JSONType represents the serialization type for JSON format.
	JSONType = "json"
	// GobType represents the serialization type for Gob format.
	GobType = "gob"
	// MsgpackType represents the serialization type for MessagePack format.
	MsgpackType = "msgpack"
	// RawType passes []byte values through untouched.
	RawType = "raw"
)

// ErrUnsupportedType is returned by ForType for unknown names.
var ErrUnsupportedType = errors.New("unsupported serialization type")

// Codec encodes and decodes values of type V.
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
	Name() string
}

// ForType returns the codec registered under name.
func ForType[V any](name string) (Codec[V], error) {
	switch name {
	case JSONType, "":
		return JSON[V]{}, nil
	case GobType:
		return Gob[V]{}, nil
	case MsgpackType:
		return Msgpack[V]{}, nil
	case RawType:
		if c, ok := any(Raw{}).(Codec[V]); ok {
			return c, nil
		}
		return nil, errors.Wrapf(ErrUnsupportedType, "%q requires []byte values", name)
	default:
		return nil, errors.Wrapf(ErrUnsupportedType, "%q", name)
	}
}
