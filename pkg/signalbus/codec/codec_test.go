package codec_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/signalbus/pkg/signalbus/codec"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
)

type node struct {
	Name string
	Next *node
}

func TestJSON_RoundTrip(t *testing.T) {
	c := codec.JSON{}
	in := []any{"req-1", "hi", 3.5, true, nil, map[string]any{"k": "v"}, []any{1.0, "two"}}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out []any
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestMsgpack_RoundTrip(t *testing.T) {
	c := codec.Msgpack{}
	in := []any{"req-1", "hi", int64(3), 2.5, true, nil, map[string]any{"k": "v"}}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out []any
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestCodec_EnvelopeRoundTrip(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON{}, codec.Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			in := codec.Envelope{Event: "echo", From: "peer-1", Args: []any{"6f1c-id", "hi"}}

			data, err := c.Marshal(in)
			require.NoError(t, err)

			var out codec.Envelope
			require.NoError(t, c.Unmarshal(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestCodec_RequestIDRoundTripsExactly(t *testing.T) {
	id := "01J9Z3Q8W7E5XK2M4N6P8R0T2V-é中"
	for _, c := range []codec.Codec{codec.JSON{}, codec.Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			out, err := codec.RoundTrip(c, []any{id})
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, []byte(id), []byte(out[0].(string)))
		})
	}
}

func TestCodec_MarshalFailures(t *testing.T) {
	cyclic := &node{Name: "a"}
	cyclic.Next = cyclic

	selfMap := map[string]any{}
	selfMap["self"] = selfMap

	tests := []struct {
		name  string
		value any
	}{
		{"cyclic pointer", cyclic},
		{"cyclic map", selfMap},
		{"channel", make(chan int)},
		{"function", func() {}},
	}

	for _, c := range []codec.Codec{codec.JSON{}, codec.Msgpack{}} {
		for _, tt := range tests {
			t.Run(c.Name()+"/"+tt.name, func(t *testing.T) {
				_, err := c.Marshal(tt.value)

				var codecErr *sberrors.CodecError
				require.ErrorAs(t, err, &codecErr)
				assert.Equal(t, "marshal", codecErr.Op)
				assert.Equal(t, c.Name(), codecErr.Codec)
			})
		}
	}
}

func TestJSON_MarshalNaN(t *testing.T) {
	_, err := codec.JSON{}.Marshal(math.NaN())

	var codecErr *sberrors.CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestCodec_UnmarshalMalformed(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON{}, codec.Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			var out codec.Envelope
			err := c.Unmarshal([]byte{0xc1, '{', 'x'}, &out)

			var codecErr *sberrors.CodecError
			require.ErrorAs(t, err, &codecErr)
			assert.Equal(t, "unmarshal", codecErr.Op)
		})
	}
}

func TestCodec_SharedReferenceIsNotACycle(t *testing.T) {
	shared := map[string]any{"x": "y"}
	value := []any{shared, shared}

	for _, c := range []codec.Codec{codec.JSON{}, codec.Msgpack{}} {
		_, err := c.Marshal(value)
		assert.NoError(t, err, c.Name())
	}
}

type withHooks struct {
	Name    string
	hook    func()
	Skipped func() `json:"-" msgpack:"-"`
}

func TestCodec_FieldsOutsideEncodingIgnored(t *testing.T) {
	value := withHooks{Name: "sensor", hook: func() {}, Skipped: func() {}}

	for _, c := range []codec.Codec{codec.JSON{}, codec.Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Marshal(value)
			require.NoError(t, err)

			var out map[string]any
			require.NoError(t, c.Unmarshal(data, &out))
			assert.Equal(t, map[string]any{"Name": "sensor"}, out)
		})
	}
}

func TestByName(t *testing.T) {
	c, err := codec.ByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = codec.ByName("MsgPack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = codec.ByName("xml")
	var valErr *sberrors.ValidationError
	assert.ErrorAs(t, err, &valErr)
}
