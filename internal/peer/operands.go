package peer

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/umicp/internal/matrix"
)

// PackOperands concatenates operands, each prefixed with its byte length as a
// little-endian u32.
func PackOperands(operands ...[]byte) []byte {
	size := 0
	for _, op := range operands {
		size += 4 + len(op)
	}
	out := make([]byte, 0, size)
	for _, op := range operands {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(op)))
		out = append(out, op...)
	}
	return out
}

// UnpackOperands splits a PackOperands payload.
func UnpackOperands(payload []byte) ([][]byte, error) {
	var out [][]byte
	for off := 0; off < len(payload); {
		if len(payload)-off < 4 {
			return nil, fmt.Errorf("%w: truncated operand length at offset %d", matrix.ErrPayloadShape, off)
		}
		n := int(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		if n > len(payload)-off {
			return nil, fmt.Errorf("%w: operand of %d bytes exceeds remaining %d", matrix.ErrPayloadShape, n, len(payload)-off)
		}
		out = append(out, payload[off:off+n])
		off += n
	}
	return out, nil
}

// PackMatrices encodes each matrix and packs them as operands.
func PackMatrices(ms ...*matrix.Matrix) ([]byte, error) {
	raw := make([][]byte, 0, len(ms))
	for _, m := range ms {
		b, err := matrix.EncodeMatrix(m)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return PackOperands(raw...), nil
}

// UnpackMatrices reverses PackMatrices and requires exactly want operands.
func UnpackMatrices(payload []byte, want int) ([]*matrix.Matrix, error) {
	raw, err := UnpackOperands(payload)
	if err != nil {
		return nil, err
	}
	if len(raw) != want {
		return nil, fmt.Errorf("%w: want %d operands, got %d", matrix.ErrPayloadShape, want, len(raw))
	}
	out := make([]*matrix.Matrix, len(raw))
	for i, b := range raw {
		if out[i], err = matrix.DecodeMatrix(b); err != nil {
			return nil, err
		}
		// An empty matrix may still declare a huge dimension.
		if rows, cols := out[i].Rows, out[i].Cols; rows > MaxResultElements || cols > MaxResultElements {
			return nil, fmt.Errorf("%w: operand %d is %dx%d, each dimension is limited to %d", matrix.ErrPayloadShape, i, rows, cols, MaxResultElements)
		}
	}
	return out, nil
}
