package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/handler"
	"go.arsenm.dev/lvrpc/message"
)

func TestDemoMethods(t *testing.T) {
	h := handler.New(handler.WithShortNames(), handler.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	require.NoError(t, h.RegisterReceiver(Demo{}))

	call := func(raw string) map[string]any {
		out, err := h.Process(context.Background(), []byte(raw))
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(out, &m))
		return m
	}

	resp := call(`{"jsonrpc":"2.0","method":"echo","id":1,"params":{"Message":"hello"}}`)
	assert.Equal(t, map[string]any{"Message": "hello"}, resp["result"])

	resp = call(`{"jsonrpc":"2.0","method":"add","id":2,"params":{"a":2,"b":3}}`)
	assert.Equal(t, 5.0, resp["result"])

	resp = call(`{"jsonrpc":"2.0","method":"Demo.Subtract","id":3,"params":{"a":2,"b":3}}`)
	assert.Equal(t, -1.0, resp["result"])
}

func TestRegisterResponses(t *testing.T) {
	buf := &bytes.Buffer{}
	log := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := handler.New(handler.WithLogger(log))
	RegisterResponses(h, log)

	req := h.NewRequest("add", Operands{A: 1, B: 2})
	h.Track(req, 0)
	h.HandleResponse(message.NewResult(req.ID, 3.0), 0)
	assert.Contains(t, buf.String(), "Operation result")

	req = h.NewRequest("echo", EchoArgs{Message: "x"})
	h.Track(req, 0)
	h.HandleResponse(message.NewErrorResponse(req.ID, message.NewError(message.CodeInternalError, nil)), 0)
	assert.Contains(t, buf.String(), "Operation failed")
}
