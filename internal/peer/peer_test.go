package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/umicp/internal/matrix"
	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/testutil/testlog"
	"github.com/danmuck/umicp/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterDispatch(t *testing.T) {
	testlog.Start(t)
	r := NewRouter("local")
	require.NoError(t, r.Handle(protocol.OpData, func(_ context.Context, env *protocol.Envelope, _ string) (*protocol.Envelope, error) {
		return protocol.NewAck("local", env.From(), env.MessageID())
	}))
	require.Error(t, r.Handle(protocol.OpUnspecified, func(context.Context, *protocol.Envelope, string) (*protocol.Envelope, error) {
		return nil, nil
	}))
	require.Error(t, r.Handle(protocol.OpControl, nil))
	assert.Equal(t, []protocol.Operation{protocol.OpData}, r.Operations())

	data := protocol.NewBuilder().From("remote").To("local").Operation(protocol.OpData).MessageID("d-1").MustBuild()
	reply, err := r.Dispatch(context.Background(), data, "c")
	require.NoError(t, err)
	assert.Equal(t, protocol.OpAck, reply.Operation())
	assert.Equal(t, "d-1", protocol.CorrelationID(reply))

	r.Unhandle(protocol.OpData)
	reply, err = r.Dispatch(context.Background(), data, "c")
	require.NoError(t, err)
	require.Equal(t, protocol.OpError, reply.Operation())
	code, _ := reply.Capability(protocol.CapErrorCode)
	assert.Equal(t, CodeUnhandledOperation, code)
	assert.Equal(t, "remote", reply.To())
	assert.Equal(t, "d-1", protocol.CorrelationID(reply))

	errEnv, err := protocol.NewError("remote", "local", "x", "y", "")
	require.NoError(t, err)
	reply, err = r.Dispatch(context.Background(), errEnv, "c")
	require.NoError(t, err)
	assert.Nil(t, reply)
}

type pair struct {
	server *Peer
	client *Peer
}

func startPair(t *testing.T) pair {
	t.Helper()
	srvTr, err := transport.NewServer(context.Background(), "127.0.0.1:0", transport.Config{LocalID: "server-001"})
	require.NoError(t, err)
	server := New("server-001", srvTr, Options{
		Engine:      matrix.New(matrix.Config{Workers: 2, ParallelThreshold: 16}),
		ServeMatrix: true,
	})
	runPeer(t, server)

	cliTr, err := transport.NewClient(context.Background(), srvTr.Addr(), transport.Config{LocalID: "client-001"})
	require.NoError(t, err)
	client := New("client-001", cliTr, Options{})
	runPeer(t, client)
	return pair{server: server, client: client}
}

func runPeer(t *testing.T, p *Peer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, p.Transport().IsRunning, 2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("peer %s did not stop", p.ID)
		}
	})
}

func TestClientComputeOverTCP(t *testing.T) {
	testlog.Start(t)
	p := startPair(t)
	c := p.client.Client("")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := mustMatrix(t, [][]float32{{1, 2}, {3, 4}})
	b := mustMatrix(t, [][]float32{{5, 6}, {7, 8}})
	out, err := c.Compute(ctx, CommandMatrixMultiply, a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{19, 22, 43, 50}, out.Data)

	dot, err := c.Compute(ctx, CommandDotProduct,
		mustMatrix(t, [][]float32{{1, 2, 3, 4}}),
		mustMatrix(t, [][]float32{{5, 6, 7, 8}}))
	require.NoError(t, err)
	assert.Equal(t, []float32{70}, dot.Data)

	_, err = c.Compute(ctx, CommandMatrixMultiply, a, mustMatrix(t, [][]float32{{1, 2, 3}}))
	require.ErrorIs(t, err, ErrRemote)
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeDimensionMismatch, re.Code)

	_, err = c.Compute(ctx, CommandTranspose, a, b)
	require.ErrorIs(t, err, matrix.ErrPayloadShape)
	_, err = c.Compute(ctx, "invert", a)
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestUnroutedRequestGetsErrorReply(t *testing.T) {
	testlog.Start(t)
	p := startPair(t)
	p.server.Unhandle(protocol.OpRequest)

	req := protocol.NewBuilder().
		From("client-001").
		To("server-001").
		Operation(protocol.OpRequest).
		MessageID(protocol.NewMessageID()).
		MustBuild()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.client.Client("").Request(ctx, req)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeUnhandledOperation, re.Code)
}

func TestHeartbeatIsAcked(t *testing.T) {
	testlog.Start(t)
	p := startPair(t)
	hb := protocol.NewBuilder().
		From("client-001").
		To("server-001").
		Operation(protocol.OpHeartbeat).
		MessageID("hb-1").
		MustBuild()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := p.client.Client("").Request(ctx, hb)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpAck, reply.Operation())
	acked, _ := reply.Capability(protocol.CapAckedMessageID)
	assert.Equal(t, "hb-1", acked)
}

func TestSendHelpersReachRoutedHandler(t *testing.T) {
	testlog.Start(t)
	p := startPair(t)
	got := make(chan *protocol.Envelope, 4)
	record := func(_ context.Context, env *protocol.Envelope, _ string) (*protocol.Envelope, error) {
		got <- env
		return nil, nil
	}
	require.NoError(t, p.server.Handle(protocol.OpControl, record))
	require.NoError(t, p.server.Handle(protocol.OpData, record))
	require.NoError(t, p.server.Handle(protocol.OpAck, record))
	require.NoError(t, p.server.Handle(protocol.OpError, record))

	ctlID, err := p.client.SendControl("server-001", "sync", "full=true", "")
	require.NoError(t, err)
	dataID, err := p.client.SendData("server-001", []byte{1, 2}, protocol.PayloadHint{Type: protocol.PayloadBinary}, "")
	require.NoError(t, err)
	_, err = p.client.SendAck("server-001", dataID, "")
	require.NoError(t, err)
	_, err = p.client.SendError("server-001", "oops", "bad thing", ctlID, "")
	require.NoError(t, err)

	want := []protocol.Operation{protocol.OpControl, protocol.OpData, protocol.OpAck, protocol.OpError}
	for i, op := range want {
		select {
		case env := <-got:
			assert.Equal(t, op, env.Operation(), "message %d", i)
			assert.Equal(t, "client-001", env.From())
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", op)
		}
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	p := startPair(t)
	router := p.server.HTTPRouter()
	require.Eventually(t, func() bool { return len(p.server.Transport().Connections()) == 1 }, 2*time.Second, 5*time.Millisecond)

	get := func(path string) (int, map[string]any) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]any
		if rr.Code == http.StatusOK && path != "/metrics" {
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		}
		return rr.Code, body
	}

	code, body := get("/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "server-001", body["id"])
	assert.Equal(t, float64(1), body["connections"])
	assert.Equal(t, map[string]any{"id": "server-001", "kind": "umicp"}, body["node"])

	code, body = get("/connections")
	require.Equal(t, http.StatusOK, code)
	conns, ok := body["connections"].([]any)
	require.True(t, ok)
	require.Len(t, conns, 1)
	first := conns[0].(map[string]any)
	assert.Equal(t, "client-001", first["peer_id"])
	assert.Equal(t, "open", first["state"])

	id := first["id"].(string)
	code, _ = get("/connections/" + id)
	assert.Equal(t, http.StatusOK, code)
	code, _ = get("/connections/missing")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get("/stats")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "messages_sent")

	code, body = get("/routes")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["operations"], "request")

	code, _ = get("/metrics")
	assert.Equal(t, http.StatusOK, code)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/connections/"+id, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, p.server.Transport().Connections())
}

func TestAdminTokenGuardsDelete(t *testing.T) {
	testlog.Start(t)
	tr, err := transport.NewServer(context.Background(), "127.0.0.1:0", transport.Config{LocalID: "guarded"})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Stop(ctx)
	})
	p := New("guarded", tr, Options{AdminToken: "s3cret"})

	rr := httptest.NewRecorder()
	p.HTTPRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/connections/missing", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodDelete, "/connections/missing", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	p.HTTPRouter().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	p.HTTPRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRemoteErrorMatching(t *testing.T) {
	testlog.Start(t)
	err := error(&RemoteError{Code: CodeInvalidPayload, Message: "short"})
	assert.True(t, errors.Is(err, ErrRemote))
	assert.True(t, errors.Is(err, matrix.ErrPayloadShape))
	assert.False(t, errors.Is(err, matrix.ErrDimensionMismatch))
}
