package editor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/exthost/internal/jsonrpc"
)

func serve(t *testing.T, h *Handler, method, params string) (json.RawMessage, error) {
	t.Helper()
	result, err := h.Serve(context.Background(), "ext-test", method, json.RawMessage(params))
	if err != nil {
		return nil, err
	}
	data, merr := json.Marshal(result)
	require.NoError(t, merr)
	return data, nil
}

func TestHandler_GetMessage(t *testing.T) {
	m := NewMirror()
	h := NewHandler(m)

	_, err := serve(t, h, MethodGetMessage, `{"format":"hl7"}`)
	assert.True(t, jsonrpc.IsCode(err, jsonrpc.CodeNoMessage), "got %v", err)

	m.Sync(sampleMessage, "/data/adt.hl7")

	out, err := serve(t, h, MethodGetMessage, `{}`)
	require.NoError(t, err)
	var res GetMessageResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, sampleMessage, res.Message)
	assert.True(t, res.HasFile)
	assert.Equal(t, "/data/adt.hl7", res.FilePath)

	out, err = serve(t, h, MethodGetMessage, `{"format":"tree"}`)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Contains(t, res.Message, `"MSH"`)

	_, err = serve(t, h, MethodGetMessage, `{"format":"xml"}`)
	assert.True(t, jsonrpc.IsCode(err, jsonrpc.CodeInvalidParams))

	_, err = serve(t, h, MethodGetMessage, `{"format":7}`)
	assert.True(t, jsonrpc.IsCode(err, jsonrpc.CodeInvalidParams))
}

func TestHandler_SetMessage(t *testing.T) {
	m := NewMirror()
	h := NewHandler(m)

	out, err := serve(t, h, MethodSetMessage, `{"message":"PID|1"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"message must start with MSH segment"}`, string(out))

	out, err = serve(t, h, MethodSetMessage, `{"message":"MSH|^~\\&|A","format":"hl7"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(out))
	assert.Equal(t, "MSH|^~\\&|A", m.Get().Message)

	_, err = serve(t, h, MethodSetMessage, `{"message":"{oops","format":"json"}`)
	assert.True(t, jsonrpc.IsCode(err, jsonrpc.CodeInvalidMessage), "got %v", err)
}

func TestHandler_PatchRoundTrip(t *testing.T) {
	m := NewMirror()
	h := NewHandler(m)

	_, err := serve(t, h, MethodPatchMessage, `{"patches":[]}`)
	assert.True(t, jsonrpc.IsCode(err, jsonrpc.CodeNoMessage))

	m.Sync(sampleMessage, "")

	out, err := serve(t, h, MethodPatchMessage, `{"patches":[
		{"path":"PID.5.1","value":"ROE"},
		{"path":"PV1.2","value":"I"},
		{"path":"PID.8","value":"F"}
	]}`)
	require.NoError(t, err)

	var res PatchResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.PatchesApplied)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)

	out, err = serve(t, h, MethodGetMessage, `{"format":"json"}`)
	require.NoError(t, err)
	var got GetMessageResult
	require.NoError(t, json.Unmarshal(out, &got))

	var tree map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.Message), &tree))
	pid := tree["PID"].(map[string]any)
	assert.Equal(t, map[string]any{"1": "ROE", "2": "JOHN"}, pid["5"])
	assert.Equal(t, "F", pid["8"])
	assert.NotContains(t, tree, "PV1")
}

func TestHandler_PatchInvalidParams(t *testing.T) {
	m := NewMirror()
	m.Sync(sampleMessage, "")
	h := NewHandler(m)

	for _, params := range []string{`{}`, `{"patches":[{"value":"x"}]}`, `{"patches":"nope"}`} {
		_, err := serve(t, h, MethodPatchMessage, params)
		assert.True(t, jsonrpc.IsCode(err, jsonrpc.CodeInvalidParams), "params %s: got %v", params, err)
	}
}

func TestHandler_UnknownMethod(t *testing.T) {
	h := NewHandler(NewMirror())
	_, err := serve(t, h, "editor/format", `{}`)
	assert.True(t, jsonrpc.IsCode(err, jsonrpc.CodeMethodNotFound))
}
