package actor_test

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"go.arsenm.dev/lvrpc/actor"
	"go.arsenm.dev/lvrpc/lvflat"
	"go.arsenm.dev/lvrpc/message"
)

const uuidStr = "6b371397-9fbe-4d90-9283-6aec836abe68"

func fromHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "Chat Window.lvlib:echo reply Msg.lvclass", actor.ClassName("Chat Window.lvlib", "echo reply"))
	assert.Equal(t, "Display Text Msg.lvclass", actor.ClassName("", "Display Text"))
}

func TestFlatWrapLayout(t *testing.T) {
	env := &actor.Flat{Library: "Chat Window.lvlib", Priority: actor.PriorityNormal}
	payload, _, err := env.Wrap(&message.Request{
		ID:     uuidStr,
		Method: "echo reply",
		Params: lvflat.Cluster{{Name: "Message", Value: ""}},
	})
	require.NoError(t, err)

	want := "00000028" + hex.EncodeToString([]byte("Chat Window.lvlib:echo reply Msg.lvclass")) +
		"00000001" +
		"00000030" +
		"00000000" +
		"00000024" + hex.EncodeToString([]byte(uuidStr)) +
		"00000000"
	assert.Equal(t, want, hex.EncodeToString(payload))
}

func TestFlatReply(t *testing.T) {
	env := &actor.Flat{Library: "Chat Window.lvlib", Priority: actor.DefaultPriority}
	_, decode, err := env.Wrap(&message.Request{
		ID:     uuidStr,
		Method: "echo",
		Params: map[string]any{"Message": "hello"},
	})
	require.NoError(t, err)

	data, err := lvflat.Marshal(lvflat.Cluster{
		{Name: "Message", Value: "hello"},
		{Name: "id", Value: uuidStr},
		{Name: "exec_time", Value: int32(250)},
	})
	require.NoError(t, err)

	reply, err := lvflat.Marshal(lvflat.Cluster{
		{Name: "Class name", Value: "Chat Window.lvlib:echo reply Msg.lvclass"},
		{Name: "Priority", Value: int32(2)},
		{Name: "Data", Value: data},
	})
	require.NoError(t, err)

	resp, err := decode(reply)
	require.NoError(t, err)
	assert.Equal(t, uuidStr, resp.ID)
	assert.Equal(t, uint32(250), resp.ExecTime)
	assert.Equal(t, map[string]any{"Message": "hello", "exec_time": int32(250)}, resp.Result)
}

func TestFlatReplyTemplate(t *testing.T) {
	env := &actor.Flat{Replies: map[string]lvflat.Cluster{
		"add": {
			{Name: "Sum", Value: float64(0)},
			{Name: "id", Value: ""},
		},
	}}

	type addParams struct {
		A float64
		B float64
	}
	_, decode, err := env.Wrap(&message.Request{ID: "1", Method: "add", Params: addParams{A: 1, B: 2}})
	require.NoError(t, err)

	data, err := lvflat.Marshal(lvflat.Cluster{{Name: "Sum", Value: 3.0}, {Name: "id", Value: "1"}})
	require.NoError(t, err)
	reply, err := lvflat.Marshal(lvflat.Cluster{
		{Name: "Class name", Value: "add reply Msg.lvclass"},
		{Name: "Priority", Value: int32(2)},
		{Name: "Data", Value: data},
	})
	require.NoError(t, err)

	resp, err := decode(reply)
	require.NoError(t, err)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, map[string]any{"Sum": 3.0}, resp.Result)
}

func TestFlatRejectsPositional(t *testing.T) {
	env := &actor.Flat{}
	_, _, err := env.Wrap(&message.Request{ID: "1", Method: "add", Params: []any{1, 2}})
	assert.ErrorIs(t, err, message.NewError(message.CodeInvalidParams, nil))
}

func TestFlatMalformedReply(t *testing.T) {
	env := &actor.Flat{}
	_, decode, err := env.Wrap(&message.Request{ID: "1", Method: "echo"})
	require.NoError(t, err)

	_, err = decode([]byte{0, 0, 0, 9})
	assert.ErrorIs(t, err, actor.ErrMalformed)
}

func TestMsgpackWrap(t *testing.T) {
	env := &actor.Msgpack{Actor: "Chat Window", Priority: actor.PriorityNormal}
	payload, _, err := env.Wrap(&message.Request{
		ID:     "007",
		Method: "echo reply",
		Params: map[string]any{"Message": "Agente"},
	})
	require.NoError(t, err)

	var outer map[string][]byte
	require.NoError(t, msgpack.Unmarshal(payload, &outer))

	var hdr actor.Headers
	require.NoError(t, msgpack.Unmarshal(outer["Headers"], &hdr))
	assert.Equal(t, actor.Headers{Actor: "Chat Window", Message: "echo reply", Priority: 1}, hdr)

	var data map[string]any
	require.NoError(t, msgpack.Unmarshal(outer["Data"], &data))
	assert.Equal(t, map[string]any{"Message": "Agente", "id": "007"}, data)
}

func TestMsgpackReplyCapture(t *testing.T) {
	env := &actor.Msgpack{Actor: "Chat Window"}
	_, decode, err := env.Wrap(&message.Request{ID: "007", Method: "echo reply", Params: map[string]any{}})
	require.NoError(t, err)

	// Captured from a LabVIEW actor
	capture := fromHex(t, "82A7 4865 6164 6572 73C4 3083 A541 6374 6F72 AB43 6861 7420 5769 6E64 6F77 A74D 6573 7361 6765 AA65 6368 6F20 7265 706C 79A8 5072 696F 7269 7479 01A4 4461 7461 C42A 83A7 4D65 7373 6167 65A6 4167 656E 7465 A269 64A3 3030 37A9 6578 6563 5F74 696D 65CB 409F 3000 0000 0000")

	resp, err := decode(capture)
	require.NoError(t, err)
	assert.Equal(t, "007", resp.ID)
	assert.Equal(t, uint32(1996), resp.ExecTime)
	assert.Equal(t, "Agente", resp.Result.(map[string]any)["Message"])
}

func TestMsgpackBinaryAsArray(t *testing.T) {
	data, err := msgpack.Marshal(map[string]any{"id": "42", "Message": "ok"})
	require.NoError(t, err)

	arr := make([]any, len(data))
	for i, b := range data {
		arr[i] = int64(b)
	}
	payload, err := msgpack.Marshal(map[string]any{"Headers": []any{}, "Data": arr})
	require.NoError(t, err)

	env := &actor.Msgpack{}
	_, decode, err := env.Wrap(&message.Request{ID: "42", Method: "echo"})
	require.NoError(t, err)

	resp, err := decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "42", resp.ID)
	assert.Equal(t, map[string]any{"Message": "ok"}, resp.Result)
}

func TestNew(t *testing.T) {
	env, err := actor.New(actor.Config{Envelope: "msgpack", Actor: "A"})
	require.NoError(t, err)
	assert.Equal(t, "msgpack", env.Name())

	assert.Equal(t, actor.DefaultPriority, env.(*actor.Msgpack).Priority)

	env, err = actor.New(actor.Config{})
	require.NoError(t, err)
	assert.Equal(t, "flat", env.Name())
	assert.Equal(t, actor.DefaultPriority, env.(*actor.Flat).Priority)

	low := actor.PriorityLow
	env, err = actor.New(actor.Config{Priority: &low})
	require.NoError(t, err)
	assert.Equal(t, actor.PriorityLow, env.(*actor.Flat).Priority)

	_, err = actor.New(actor.Config{Envelope: "xml"})
	assert.ErrorIs(t, err, actor.ErrUnknownEnvelope)
}

func TestFlatReplyWithJSONArray(t *testing.T) {
	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"Values": [1, 2, 3], "Point": {"X": 1.5}}`), &params))

	env := &actor.Flat{}
	_, decode, err := env.Wrap(&message.Request{ID: "7", Method: "plot", Params: params})
	require.NoError(t, err)

	data, err := lvflat.Marshal(lvflat.Cluster{
		{Name: "Point", Value: lvflat.Cluster{{Name: "X", Value: 2.5}}},
		{Name: "Values", Value: []float64{4, 5}},
		{Name: "id", Value: "7"},
		{Name: "exec_time", Value: int32(10)},
	})
	require.NoError(t, err)
	reply, err := lvflat.Marshal(lvflat.Cluster{
		{Name: "Class name", Value: "plot Msg.lvclass"},
		{Name: "Priority", Value: int32(2)},
		{Name: "Data", Value: data},
	})
	require.NoError(t, err)

	resp, err := decode(reply)
	require.NoError(t, err)
	assert.Equal(t, "7", resp.ID)
	assert.Equal(t, map[string]any{
		"Point":     map[string]any{"X": 2.5},
		"Values":    []any{4.0, 5.0},
		"exec_time": int32(10),
	}, resp.Result)
}
