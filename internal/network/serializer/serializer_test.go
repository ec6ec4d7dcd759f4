package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-push-go/internal/json"
)

func TestEncodeFrame(t *testing.T) {
	s := JSONSerializer{}

	data, err := EncodeFrame(s, "push-message", map[string]any{"title": "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"push-message","data":{"title":"hello"}}`, string(data))

	data, err = EncodeFrame(s, "push-message", json.RawMessage(`"raw"`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"push-message","data":"raw"}`, string(data))

	data, err = EncodeFrame(s, "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(data))

	_, err = EncodeFrame(s, "", nil)
	assert.Error(t, err)
}

func TestDecodeFrame(t *testing.T) {
	s := JSONSerializer{}

	frame, err := DecodeFrame(s, []byte(`{"event":"register","data":{"userId":"u1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "register", frame.Event)

	var payload struct {
		UserID string `json:"userId"`
	}
	require.NoError(t, s.Unmarshal(frame.Data, &payload))
	assert.Equal(t, "u1", payload.UserID)

	_, err = DecodeFrame(s, []byte(`{"data":1}`))
	assert.Error(t, err)

	_, err = DecodeFrame(s, []byte(`not json`))
	assert.Error(t, err)
}
