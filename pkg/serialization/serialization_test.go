package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wishlist struct {
	ID    int
	Owner string
	Items []string
}

func TestCodecsRoundTrip(t *testing.T) {
	in := wishlist{ID: 7, Owner: "ada", Items: []string{"book", "lamp"}}

	for _, name := range []string{JSONType, GobType, MsgpackType} {
		t.Run(name, func(t *testing.T) {
			codec, err := ForType[wishlist](name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			data, err := codec.Marshal(in)
			require.NoError(t, err)
			out, err := codec.Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestForTypeUnknown(t *testing.T) {
	_, err := ForType[string]("yaml")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestRawCodec(t *testing.T) {
	data, err := Raw{}.Marshal([]byte("abc"))
	require.NoError(t, err)
	out, err := Raw{}.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	_, err = Raw{}.Marshal(nil)
	assert.Error(t, err)
}

func TestUnmarshalGarbage(t *testing.T) {
	_, err := JSON[wishlist]{}.Unmarshal([]byte("{not json"))
	assert.Error(t, err)
}

func TestForTypeRaw(t *testing.T) {
	codec, err := ForType[[]byte](RawType)
	require.NoError(t, err)
	assert.Equal(t, RawType, codec.Name())

	_, err = ForType[string](RawType)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
