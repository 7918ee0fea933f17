package serialization

import (
	"bytes"
	"encoding/gob"
)

// Gob is a Codec backed by encoding/gob.
type Gob[V any] struct{}

// Marshal serializes v using gob encoding.
func (Gob[V]) Marshal(v V) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a gob payload into a new V.
func (Gob[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

func (Gob[V]) Name() string { return GobType }
