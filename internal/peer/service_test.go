package peer

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/danmuck/umicp/internal/matrix"
	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMatrix(t *testing.T, rows [][]float32) *matrix.Matrix {
	t.Helper()
	m, err := matrix.FromRows(rows)
	require.NoError(t, err)
	return m
}

func packed(t *testing.T, ms ...*matrix.Matrix) []byte {
	t.Helper()
	b, err := PackMatrices(ms...)
	require.NoError(t, err)
	return b
}

func TestOperandPacking(t *testing.T) {
	testlog.Start(t)
	raw := PackOperands([]byte("ab"), nil, []byte("cde"))
	got, err := UnpackOperands(raw)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("ab"), got[0])
	assert.Empty(t, got[1])
	assert.Equal(t, []byte("cde"), got[2])

	_, err = UnpackOperands(raw[:len(raw)-1])
	assert.ErrorIs(t, err, matrix.ErrPayloadShape)
	_, err = UnpackOperands([]byte{1, 0})
	assert.ErrorIs(t, err, matrix.ErrPayloadShape)

	_, err = UnpackMatrices(PackOperands([]byte("x")), 2)
	assert.ErrorIs(t, err, matrix.ErrPayloadShape)
}

func TestMatrixServiceCompute(t *testing.T) {
	testlog.Start(t)
	svc := NewMatrixService("server", matrix.New(matrix.Config{}))
	a := mustMatrix(t, [][]float32{{1, 2}, {3, 4}})
	b := mustMatrix(t, [][]float32{{5, 6}, {7, 8}})
	v1 := mustMatrix(t, [][]float32{{1, 2, 3, 4}})
	v2 := mustMatrix(t, [][]float32{{5, 6, 7, 8}})

	cases := []struct {
		command string
		in      []*matrix.Matrix
		rows    int
		cols    int
		want    []float32
	}{
		{CommandVectorAdd, []*matrix.Matrix{v1, v2}, 1, 4, []float32{6, 8, 10, 12}},
		{CommandDotProduct, []*matrix.Matrix{v1, v2}, 1, 1, []float32{70}},
		{CommandMatrixMultiply, []*matrix.Matrix{a, b}, 2, 2, []float32{19, 22, 43, 50}},
		{CommandMatrixAdd, []*matrix.Matrix{a, b}, 2, 2, []float32{6, 8, 10, 12}},
		{CommandTranspose, []*matrix.Matrix{a}, 2, 2, []float32{1, 3, 2, 4}},
		{CommandCosineSimilarity, []*matrix.Matrix{v1, v1}, 1, 1, []float32{1}},
	}
	for _, tc := range cases {
		t.Run(tc.command, func(t *testing.T) {
			out, err := svc.Compute(tc.command, packed(t, tc.in...))
			require.NoError(t, err)
			assert.Equal(t, tc.rows, out.Rows)
			assert.Equal(t, tc.cols, out.Cols)
			assert.InDeltaSlice(t, tc.want, out.Data, 1e-6)
		})
	}

	norm, err := svc.Compute(CommandNormalize, packed(t, mustMatrix(t, [][]float32{{3, 4}})))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, norm.Data, 1e-6)
}

func TestMatrixServiceRejections(t *testing.T) {
	testlog.Start(t)
	svc := NewMatrixService("server", nil)
	a := mustMatrix(t, [][]float32{{1, 2, 3}})
	b := mustMatrix(t, [][]float32{{1, 2}})

	_, err := svc.Compute(CommandDotProduct, packed(t, a, b))
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)
	assert.Equal(t, CodeDimensionMismatch, errorCode(err))

	_, err = svc.Compute(CommandMatrixMultiply, packed(t, a, b))
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)

	_, err = svc.Compute(CommandTranspose, packed(t, a, b))
	require.ErrorIs(t, err, matrix.ErrPayloadShape)
	assert.Equal(t, CodeInvalidPayload, errorCode(err))

	_, err = svc.Compute("invert", nil)
	require.ErrorIs(t, err, ErrUnknownCommand)
	assert.Equal(t, CodeUnknownCommand, errorCode(err))
}

func emptyMatrixHeader(rows, cols uint32) []byte {
	b := binary.LittleEndian.AppendUint32(nil, rows)
	return binary.LittleEndian.AppendUint32(b, cols)
}

func TestMatrixServiceBoundsEachDimension(t *testing.T) {
	testlog.Start(t)
	svc := NewMatrixService("server", nil)
	tall := emptyMatrixHeader(0xFFFFFFFF, 0)
	wide := emptyMatrixHeader(0, 0xFFFFFFFF)

	for _, cmd := range []string{CommandTranspose, CommandNormalize} {
		for _, op := range [][]byte{tall, wide} {
			_, err := svc.Compute(cmd, PackOperands(op))
			require.ErrorIs(t, err, matrix.ErrPayloadShape, cmd)
			assert.Equal(t, CodeInvalidPayload, errorCode(err))
		}
	}
	_, err := svc.Compute(CommandMatrixMultiply, PackOperands(tall, emptyMatrixHeader(0, 1)))
	require.ErrorIs(t, err, matrix.ErrPayloadShape)

	out, err := svc.Compute(CommandTranspose, PackOperands(emptyMatrixHeader(MaxResultElements, 0)))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Rows)
	assert.Equal(t, MaxResultElements, out.Cols)
}

func TestMatrixServiceHandleReplies(t *testing.T) {
	testlog.Start(t)
	svc := NewMatrixService("server", nil)
	req := protocol.NewBuilder().
		From("client").
		To("server").
		Operation(protocol.OpRequest).
		MessageID("req-1").
		Capability(protocol.CapCommand, CommandTranspose).
		Payload(packed(t, mustMatrix(t, [][]float32{{1, 2, 3}}))).
		MustBuild()

	reply, err := svc.Handle(context.Background(), req, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.OpResponse, reply.Operation())
	assert.Equal(t, "req-1", protocol.CorrelationID(reply))
	assert.Equal(t, "server", reply.From())
	assert.Equal(t, "client", reply.To())
	hint, ok, err := protocol.HintFrom(reply)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{3, 1}, hint.Shape)
	assert.Equal(t, 3, hint.Count)
	out, err := matrix.DecodeMatrix(reply.Payload())
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, out.Data)

	bad := req.ToBuilder().Capability(protocol.CapCommand, "invert").MustBuild()
	reply, err = svc.Handle(context.Background(), bad, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.OpError, reply.Operation())
	code, _ := reply.Capability(protocol.CapErrorCode)
	assert.Equal(t, CodeUnknownCommand, code)
	assert.Equal(t, "req-1", protocol.CorrelationID(reply))
}
