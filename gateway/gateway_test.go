package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/message"
	"go.arsenm.dev/lvrpc/tracker"
)

type fakeCaller struct {
	calls []string
	waits []bool
}

func (f *fakeCaller) RPC(_ context.Context, name string, params any, wait bool) (*message.Response, error) {
	f.calls = append(f.calls, name)
	f.waits = append(f.waits, wait)

	switch name {
	case "Display Text":
		return &message.Response{ID: "1", Result: params, ExecTime: 42}, nil
	case "Broken":
		return message.NewErrorResponse("2", message.NewError(message.CodeMethodNotFound, name)), nil
	case "Offline":
		return nil, errors.New("connection lost")
	}
	if !wait {
		return nil, nil
	}
	return message.NewResult("3", nil), nil
}

func newTestGateway(t *testing.T, c Caller, tr *tracker.Tracker) *httptest.Server {
	t.Helper()
	g, err := New(c, tr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, method string, args, reply any) error {
	t.Helper()
	body, err := json2.EncodeClientRequest(method, args)
	require.NoError(t, err)

	res, err := http.Post(srv.URL+Path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	return json2.DecodeClientResponse(res.Body, reply)
}

func TestCall(t *testing.T) {
	fc := &fakeCaller{}
	srv := newTestGateway(t, fc, nil)

	var reply CallReply
	err := post(t, srv, "LabVIEW.Call", CallArgs{
		Method: "Display Text",
		Params: map[string]any{"Text": "hello"},
	}, &reply)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Text": "hello"}, reply.Result)
	assert.Equal(t, uint32(42), reply.ExecTime)
	assert.Equal(t, []bool{true}, fc.waits)
}

func TestCallNoWait(t *testing.T) {
	fc := &fakeCaller{}
	srv := newTestGateway(t, fc, nil)

	wait := false
	var reply CallReply
	err := post(t, srv, "LabVIEW.Call", CallArgs{Method: "Fire", Wait: &wait}, &reply)
	require.NoError(t, err)
	assert.Nil(t, reply.Result)
	assert.Equal(t, []bool{false}, fc.waits)
}

func TestCallErrors(t *testing.T) {
	srv := newTestGateway(t, &fakeCaller{}, nil)

	var reply CallReply
	err := post(t, srv, "LabVIEW.Call", CallArgs{Method: "Broken"}, &reply)
	var jerr *json2.Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, json2.ErrorCode(message.CodeMethodNotFound), jerr.Code)
	assert.Equal(t, "Broken", jerr.Data)

	err = post(t, srv, "LabVIEW.Call", CallArgs{Method: "Offline"}, &reply)
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, json2.ErrorCode(message.CodeServerError), jerr.Code)
	assert.Equal(t, "connection lost", jerr.Data)

	// Method is required
	err = post(t, srv, "LabVIEW.Call", CallArgs{}, &reply)
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, json2.ErrorCode(message.CodeInvalidParams), jerr.Code)
}

func TestStats(t *testing.T) {
	tr := tracker.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	tr.TrackOutgoingRequest(&message.Request{ID: "a", Method: "m"}, 0, 0)
	srv := newTestGateway(t, &fakeCaller{}, tr)

	var stats tracker.Stats
	require.NoError(t, post(t, srv, "LabVIEW.Stats", StatsArgs{}, &stats))
	assert.Equal(t, 1, stats.OutgoingRequests)

	noTracker := newTestGateway(t, &fakeCaller{}, nil)
	var jerr *json2.Error
	err := post(t, noTracker, "LabVIEW.Stats", StatsArgs{}, &stats)
	require.ErrorAs(t, err, &jerr)
}
