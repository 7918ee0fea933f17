package serialization

import "encoding/json"

// JSON is a Codec backed by encoding/json.
type JSON[V any] struct{}

func (JSON[V]) Marshal(v V) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

func (JSON[V]) Name() string { return JSONType }
