package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/umicp/internal/matrix"
	"github.com/danmuck/umicp/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Matrix commands served over OpRequest. The command capability selects the
// operation; operands travel as packed matrices and the result is a single
// matrix. Vector commands use the operands' element data; scalar results are
// returned as 1x1 matrices.
const (
	CommandVectorAdd        = "vector_add"
	CommandDotProduct       = "dot_product"
	CommandMatrixMultiply   = "matrix_multiply"
	CommandMatrixAdd        = "matrix_add"
	CommandTranspose        = "transpose"
	CommandNormalize        = "normalize"
	CommandCosineSimilarity = "cosine_similarity"
)

// MaxResultElements bounds the output a single request may allocate.
const MaxResultElements = 1 << 26

var ErrUnknownCommand = errors.New("peer: unknown command")

var commandArity = map[string]int{
	CommandVectorAdd:        2,
	CommandDotProduct:       2,
	CommandMatrixMultiply:   2,
	CommandMatrixAdd:        2,
	CommandTranspose:        1,
	CommandNormalize:        1,
	CommandCosineSimilarity: 2,
}

// MatrixService answers matrix requests with the engine's results.
type MatrixService struct {
	localID string
	engine  *matrix.Engine
}

func NewMatrixService(localID string, engine *matrix.Engine) *MatrixService {
	if engine == nil {
		engine = matrix.Default()
	}
	return &MatrixService{localID: localID, engine: engine}
}

// Arity returns the operand count of command.
func Arity(command string) (int, bool) {
	n, ok := commandArity[command]
	return n, ok
}

// Handle is the OpRequest route. Failures are answered with OpError replies
// instead of being returned, so the caller always hears back.
func (s *MatrixService) Handle(_ context.Context, env *protocol.Envelope, connID string) (*protocol.Envelope, error) {
	command, _ := env.Capability(protocol.CapCommand)
	result, err := s.Compute(command, env.Payload())
	if err != nil {
		code := errorCode(err)
		log.Debug().
			Str("component", "peer").
			Str("conn_id", connID).
			Str("command", command).
			Str("code", code).
			Err(err).
			Msg("matrix request rejected")
		return protocol.NewError(s.localID, env.From(), code, err.Error(), env.MessageID())
	}

	payload, err := matrix.EncodeMatrix(result)
	if err != nil {
		return nil, err
	}
	hint := protocol.PayloadHint{
		Type:     protocol.PayloadVector,
		Encoding: protocol.EncodingFloat32,
		Count:    len(result.Data),
		Shape:    []int{result.Rows, result.Cols},
	}
	b := protocol.ReplyTo(env, protocol.OpResponse).
		From(s.localID).
		Capability(protocol.CapCommand, command).
		Payload(payload)
	return hint.Apply(b).Build()
}

// Compute decodes a packed operand payload and runs command.
func (s *MatrixService) Compute(command string, payload []byte) (*matrix.Matrix, error) {
	arity, ok := commandArity[command]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	ops, err := UnpackMatrices(payload, arity)
	if err != nil {
		return nil, err
	}
	e := s.engine
	switch command {
	case CommandVectorAdd:
		a, b := ops[0], ops[1]
		out := matrix.NewMatrix(1, len(a.Data))
		return out, e.VectorAdd(a.Data, b.Data, out.Data)
	case CommandDotProduct:
		v, err := e.DotProduct(ops[0].Data, ops[1].Data)
		return scalar(v), err
	case CommandCosineSimilarity:
		v, err := e.CosineSimilarity(ops[0].Data, ops[1].Data)
		return scalar(v), err
	case CommandMatrixMultiply:
		a, b := ops[0], ops[1]
		if uint64(a.Rows)*uint64(b.Cols) > MaxResultElements {
			return nil, fmt.Errorf("%w: %dx%d result exceeds %d elements", matrix.ErrPayloadShape, a.Rows, b.Cols, MaxResultElements)
		}
		out := matrix.NewMatrix(a.Rows, b.Cols)
		return out, e.MatrixMultiply(a, b, out)
	case CommandMatrixAdd:
		out := matrix.NewMatrix(ops[0].Rows, ops[0].Cols)
		return out, e.MatrixAdd(ops[0], ops[1], out)
	case CommandTranspose:
		out := matrix.NewMatrix(ops[0].Cols, ops[0].Rows)
		return out, e.Transpose(ops[0], out)
	case CommandNormalize:
		out := matrix.NewMatrix(ops[0].Rows, ops[0].Cols)
		return out, e.Normalize(ops[0], out)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
}

func scalar(v float32) *matrix.Matrix {
	return &matrix.Matrix{Rows: 1, Cols: 1, Data: []float32{v}}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, matrix.ErrDimensionMismatch):
		return CodeDimensionMismatch
	case errors.Is(err, matrix.ErrPayloadShape):
		return CodeInvalidPayload
	case errors.Is(err, ErrUnknownCommand):
		return CodeUnknownCommand
	default:
		return CodeInternal
	}
}
